// Package routing drives the cluster matrix: fabric, producer and consumer
// discovery, route requests, salvos, and route-made events delivered through
// a mailbox subscription.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/mailbox"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
)

// Service endpoints
const (
	fabricsPath      = "/cluster/fabric/api/v1/fabrics"
	salvosPath       = "/cluster/matrix/api/v1/salvos"
	salvoExecuteFmt  = "/cluster/matrix/api/v1/salvo/%s/execute"
	salvoCancelFmt   = "/cluster/matrix/api/v1/salvo/%s/cancel"
	producersFmt     = "/cluster/matrix/api/v2/producers?fabricId=%s&type=Fabric"
	consumersFmt     = "/cluster/matrix/api/v1/consumers?fabricId=%s&type=Fabric"
	requestRoutePath = "/cluster/matrix/api/v1/routing/requestroute"
	routeStatusFmt   = "/cluster/matrix/api/v1/routing/routestatus/%s"
	producerFmt      = "/cluster/matrix/api/v1/producer/%s"
	consumerFmt      = "/cluster/matrix/api/v1/consumer/%s"
	producerByName   = "/cluster/matrix/api/v1/producer/%s/%s"

	// routeMadeTopic matches route-made events on every fabric.
	routeMadeTopic = "gv.cluster.matrix.*.routemade"
)

// Router drives the cluster matrix. Fabric, salvo, producer and consumer
// lookups are cached after the first fetch; route-made events arrive over a
// mailbox subscription because the cluster only delivers them that way.
type Router struct {
	rest     *platform.Client
	registry *notification.Registry
	events   *mailbox.Mailbox
	logger   *slog.Logger

	cacheMu   sync.Mutex
	fabrics   []Fabric
	salvos    []Salvo
	producers map[string][]ProducerData
	consumers map[string][]ConsumerData
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventMailbox sets the mailbox used for route-made events. Without one,
// StartRouteEvents fails but every REST operation still works.
func WithEventMailbox(m *mailbox.Mailbox) Option {
	return func(r *Router) {
		r.events = m
	}
}

// NewRouter creates a matrix router. The registry must be the one the
// mailbox dispatcher feeds, so route-made notifications reach listeners
// registered through OnRouteChanged.
func NewRouter(rest *platform.Client, registry *notification.Registry, opts ...Option) (*Router, error) {
	if rest == nil || registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Router", "NewRouter", "validate dependencies")
	}
	r := &Router{
		rest:      rest,
		registry:  registry,
		logger:    slog.Default(),
		producers: make(map[string][]ProducerData),
		consumers: make(map[string][]ConsumerData),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Fabrics lists the cluster fabrics, cached after the first call.
func (r *Router) Fabrics(ctx context.Context) ([]Fabric, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.fabrics != nil {
		return r.fabrics, nil
	}
	var resp fabricsResponse
	if err := r.rest.Get(ctx, fabricsPath, &resp); err != nil {
		return nil, err
	}
	r.fabrics = resp.Fabrics
	return resp.Fabrics, nil
}

// Salvos lists the stored salvos, cached after the first call.
func (r *Router) Salvos(ctx context.Context) ([]Salvo, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.salvos != nil {
		return r.salvos, nil
	}
	var salvos []Salvo
	if err := r.rest.Get(ctx, salvosPath, &salvos); err != nil {
		return nil, err
	}
	r.salvos = salvos
	return salvos, nil
}

// Producers lists the producers on a fabric, cached per fabric.
func (r *Router) Producers(ctx context.Context, fabricID string) ([]ProducerData, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if cached, ok := r.producers[fabricID]; ok {
		return cached, nil
	}
	var resp producersResponse
	if err := r.rest.Get(ctx, fmt.Sprintf(producersFmt, fabricID), &resp); err != nil {
		return nil, err
	}
	r.producers[fabricID] = resp.Producers
	return resp.Producers, nil
}

// Consumers lists the consumers on a fabric, cached per fabric.
func (r *Router) Consumers(ctx context.Context, fabricID string) ([]ConsumerData, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if cached, ok := r.consumers[fabricID]; ok {
		return cached, nil
	}
	var resp consumersResponse
	if err := r.rest.Get(ctx, fmt.Sprintf(consumersFmt, fabricID), &resp); err != nil {
		return nil, err
	}
	r.consumers[fabricID] = resp.Consumers
	return resp.Consumers, nil
}

// ProducerDetail fetches the full producer record by name, including node
// and flow information. Not cached; flows change when streams restart.
func (r *Router) ProducerDetail(ctx context.Context, fabricID, name string) (ProducerDetail, error) {
	var detail ProducerDetail
	path := fmt.Sprintf(producerByName, fabricID, url.QueryEscape(name))
	err := r.rest.Get(ctx, path, &detail)
	return detail, err
}

// MakeRoute routes a named producer to a named consumer on a fabric and
// returns the request id to track completion with RouteStatus or a
// route-made event.
func (r *Router) MakeRoute(ctx context.Context, fabricID, sourceName, destinationName string) (string, error) {
	producer, err := r.findProducer(ctx, fabricID, sourceName)
	if err != nil {
		return "", err
	}
	consumer, err := r.findConsumer(ctx, fabricID, destinationName)
	if err != nil {
		return "", err
	}

	var resp routeResponse
	req := routeRequest{SourceID: producer.ID, DestinationID: consumer.ID}
	if err := r.rest.Post(ctx, requestRoutePath, req, &resp); err != nil {
		return "", err
	}
	r.logger.Debug("route requested",
		"fabric", fabricID, "source", sourceName, "destination", destinationName,
		"request", resp.RequestID)
	return resp.RequestID, nil
}

// RouteStatus fetches the state of a route request.
func (r *Router) RouteStatus(ctx context.Context, requestID string) (RouteStatus, error) {
	var status RouteStatus
	err := r.rest.Get(ctx, fmt.Sprintf(routeStatusFmt, requestID), &status)
	return status, err
}

// ExecuteSalvo fires a salvo by name.
func (r *Router) ExecuteSalvo(ctx context.Context, name string) error {
	salvo, err := r.findSalvo(ctx, name)
	if err != nil {
		return err
	}
	return r.rest.Post(ctx, fmt.Sprintf(salvoExecuteFmt, salvo.ID), nil, nil)
}

// CancelSalvo cancels a salvo by name.
func (r *Router) CancelSalvo(ctx context.Context, name string) error {
	salvo, err := r.findSalvo(ctx, name)
	if err != nil {
		return err
	}
	return r.rest.Post(ctx, fmt.Sprintf(salvoCancelFmt, salvo.ID), nil, nil)
}

// SetProducerAlias renames a producer for operator displays.
func (r *Router) SetProducerAlias(ctx context.Context, fabricID, sourceName, alias string) error {
	producer, err := r.findProducer(ctx, fabricID, sourceName)
	if err != nil {
		return err
	}
	return r.rest.Put(ctx, fmt.Sprintf(producerFmt, producer.ID),
		map[string]string{"alias": alias}, nil)
}

// SetConsumerAlias renames a consumer for operator displays.
func (r *Router) SetConsumerAlias(ctx context.Context, fabricID, destinationName, alias string) error {
	consumer, err := r.findConsumer(ctx, fabricID, destinationName)
	if err != nil {
		return err
	}
	return r.rest.Put(ctx, fmt.Sprintf(consumerFmt, consumer.ID),
		map[string]string{"alias": alias}, nil)
}

// StartRouteEvents subscribes the event mailbox to route-made notifications
// and starts draining it.
func (r *Router) StartRouteEvents(ctx context.Context) error {
	if r.events == nil {
		return errors.WrapFatal(errors.ErrMissingConfig,
			"Router", "StartRouteEvents", "start events without mailbox")
	}
	if err := r.events.Subscribe(ctx, routeMadeTopic); err != nil {
		return err
	}
	return r.events.Start()
}

// StopRouteEvents tears the event mailbox down.
func (r *Router) StopRouteEvents(ctx context.Context) {
	if r.events != nil {
		r.events.Stop(ctx)
	}
}

// OnRouteChanged registers a listener for route-made events. Producer and
// consumer ids are resolved to names from the fabric caches; unknown ids
// pass through as empty names.
func (r *Router) OnRouteChanged(fn func(RouteChangedEvent)) notification.Token {
	return r.registry.Add(notification.FamilyRouteMade, func(d notification.Dispatch) {
		evt, err := d.RouteMade()
		if err != nil {
			r.logger.Warn("undecodable route-made event", "topic", d.Topic.String(), "error", err)
			return
		}

		// Fabric id is the fourth topic segment:
		// gv.cluster.matrix.{fabricId}.routemade
		fabricID := d.Workload

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(RouteChangedEvent{
			FabricID:        fabricID,
			SourceName:      r.producerName(ctx, fabricID, evt.SourceID),
			DestinationName: r.consumerName(ctx, fabricID, evt.DestinationID),
		})
	})
}

func (r *Router) findSalvo(ctx context.Context, name string) (Salvo, error) {
	salvos, err := r.Salvos(ctx)
	if err != nil {
		return Salvo{}, err
	}
	for _, salvo := range salvos {
		if salvo.Name == name {
			return salvo, nil
		}
	}
	return Salvo{}, errors.WrapInvalid(
		fmt.Errorf("salvo %q not found", name),
		"Router", "findSalvo", "look up salvo")
}

func (r *Router) findProducer(ctx context.Context, fabricID, name string) (Producer, error) {
	producers, err := r.Producers(ctx, fabricID)
	if err != nil {
		return Producer{}, err
	}
	for _, p := range producers {
		if p.Producer.Name == name {
			return p.Producer, nil
		}
	}
	return Producer{}, errors.WrapInvalid(
		fmt.Errorf("producer %q not found on fabric %s", name, fabricID),
		"Router", "findProducer", "look up producer")
}

func (r *Router) findConsumer(ctx context.Context, fabricID, name string) (Consumer, error) {
	consumers, err := r.Consumers(ctx, fabricID)
	if err != nil {
		return Consumer{}, err
	}
	for _, c := range consumers {
		if c.Consumer.Name == name {
			return c.Consumer, nil
		}
	}
	return Consumer{}, errors.WrapInvalid(
		fmt.Errorf("consumer %q not found on fabric %s", name, fabricID),
		"Router", "findConsumer", "look up consumer")
}

func (r *Router) producerName(ctx context.Context, fabricID, id string) string {
	producers, err := r.Producers(ctx, fabricID)
	if err != nil {
		return ""
	}
	for _, p := range producers {
		if p.Producer.ID == id {
			return p.Producer.Name
		}
	}
	return ""
}

func (r *Router) consumerName(ctx context.Context, fabricID, id string) string {
	consumers, err := r.Consumers(ctx, fabricID)
	if err != nil {
		return ""
	}
	for _, c := range consumers {
		if c.Consumer.ID == id {
			return c.Consumer.Name
		}
	}
	return ""
}
