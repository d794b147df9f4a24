package notification

import (
	"encoding/json"
	"log/slog"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
)

// Resolver receives the correlation key of every dispatched record. A key
// that matches no pending request is a fire-and-forget notification, so the
// resolver must treat unknown keys as a no-op.
type Resolver interface {
	Resolve(key string)
}

// Router parses topics, unbundles multimessage envelopes, and delivers
// dispatch records to the listener registry and the correlation resolver.
//
// Dispatch sits in the delivery path of both channels: it never panics and
// never returns an error for malformed input. Bad topics and unparsable
// content are dropped and logged so a poisoned notification cannot tear down
// a channel's read loop.
type Router struct {
	registry *Registry
	resolver Resolver
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithResolver attaches a correlation resolver invoked for every dispatch
func WithResolver(resolver Resolver) RouterOption {
	return func(r *Router) {
		r.resolver = resolver
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches core client metrics
func WithMetrics(metrics *metric.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// NewRouter creates a router delivering to the given listener registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the listener registry the router delivers to.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route converts a notification into zero or more dispatch records. It is
// pure with respect to its inputs: no listeners are invoked. A malformed
// topic or unparsable body yields an error; multimessage envelopes yield one
// record per inner body, preserving the outer topic's workload, command, and
// type. Unbundling is a single level deep - inner bodies are never
// themselves checked for the multimessage key.
func (r *Router) Route(n Notification) ([]Dispatch, error) {
	topic, err := ParseTopic(n.Topic)
	if err != nil {
		return nil, err
	}

	family := topic.family()

	base := Dispatch{
		Workload: topic.Workload(),
		Command:  topic.Command(),
		Type:     topic.Type(),
		Family:   family,
		Topic:    topic,
		Source:   n,
	}

	// Binary families carry a content type in the content field rather
	// than a JSON body; they bypass body parsing entirely.
	if family == FamilyKeyframe {
		return []Dispatch{base}, nil
	}

	var body Body
	if err := json.Unmarshal([]byte(n.Content), &body); err != nil {
		return nil, errors.WrapInvalid(
			errors.ErrMalformedContent,
			"Router", "Route", "parse notification body")
	}
	base.Body = body

	if !body.IsMultimessage() {
		return []Dispatch{base}, nil
	}

	var inner []Body
	if err := json.Unmarshal(body.Payload, &inner); err != nil {
		return nil, errors.WrapInvalid(
			errors.ErrMalformedContent,
			"Router", "Route", "parse multimessage payload")
	}

	records := make([]Dispatch, 0, len(inner))
	for _, innerBody := range inner {
		record := base
		record.Body = innerBody
		records = append(records, record)
	}
	return records, nil
}

// Dispatch routes a notification and delivers the resulting records. This is
// the entry point both channels hand received notifications to.
func (r *Router) Dispatch(n Notification) {
	records, err := r.Route(n)
	if err != nil {
		r.logger.Warn("dropping notification",
			"topic", n.Topic,
			"source", n.Source,
			"error", err)
		if r.metrics != nil {
			r.metrics.RecordNotificationDropped(dropReason(err))
		}
		return
	}

	for _, record := range records {
		if r.resolver != nil && record.Body.Key != "" && !record.Body.IsMultimessage() {
			r.resolver.Resolve(record.Body.Key)
		}

		r.registry.Notify(record)

		if r.metrics != nil {
			r.metrics.RecordNotificationDispatched(string(record.Family))
		}
	}
}

func dropReason(err error) string {
	if errors.IsInvalid(err) {
		return "malformed"
	}
	return "other"
}
