// Package amppcontrol is the high-level AMPP Control client. It publishes
// control commands over the push channel or commits them over REST, lists
// applications, workloads, macros and control groups, and correlates
// request/response round trips through the correlation registry.
package amppcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axm06051/AmppControlSdk-0.9.32/correlation"
	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
)

// Service endpoints
const (
	macroExecutePath   = "/ampp/control/api/v1/macro/execute"
	macroListPath      = "/ampp/control/api/v1/macro"
	applicationsPath   = "/ampp/control/api/v1/control/application/references"
	workloadsPathFmt   = "/ampp/control/api/v1/control/application/%s/workloads"
	commitPath         = "/ampp/control/api/v1/control/commit"
	controlGroupsFmt   = "/ampp/control/api/v1/group/application/%s/groups"
	controlTopicPrefix = "gv.ampp.control"
)

// Publisher is the push-side dependency: the subset of the push channel the
// control client uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, content any) error
	Subscribe(ctx context.Context, topics ...string) error
}

// Client drives AMPP Control. Directory lookups (applications, macros,
// workloads, groups) are cached after the first fetch and never invalidated;
// a restart is the cache flush.
type Client struct {
	rest      *platform.Client
	publisher Publisher
	registry  *correlation.Registry
	logger    *slog.Logger

	cacheMu       sync.Mutex
	applications  []Application
	macros        []Macro
	workloads     map[string][]string
	controlGroups map[string][]ControlGroup
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an AMPP Control client. The publisher is typically a
// connected push channel; the registry must be the one wired into the
// notification router so recon keys resolve.
func NewClient(rest *platform.Client, publisher Publisher, registry *correlation.Registry, opts ...Option) (*Client, error) {
	if rest == nil || publisher == nil || registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Client", "NewClient", "validate dependencies")
	}
	c := &Client{
		rest:          rest,
		publisher:     publisher,
		registry:      registry,
		logger:        slog.Default(),
		workloads:     make(map[string][]string),
		controlGroups: make(map[string][]ControlGroup),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// commandContent is the body published on control topics.
type commandContent struct {
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}

// PushCommand publishes a control command over the push channel. The recon
// key is echoed back in the workload's notify response.
func (c *Client) PushCommand(ctx context.Context, workload, command string, payload any, reconKey string) error {
	if workload == "" || command == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Client", "PushCommand", "validate workload and command")
	}
	topic := fmt.Sprintf("%s.%s.%s", controlTopicPrefix, workload, command)
	return c.publisher.Publish(ctx, topic, commandContent{Key: reconKey, Payload: payload})
}

// GetState asks a workload to publish its complete state.
func (c *Client) GetState(ctx context.Context, workload, reconKey string) error {
	return c.PushCommand(ctx, workload, "getstate", map[string]any{}, reconKey)
}

// Ping publishes a ping to the workload and waits for the correlated notify
// response. It returns true when the workload answered within the timeout.
// The caller must have subscribed to the workload's notify topics first.
func (c *Client) Ping(ctx context.Context, workload string, timeout time.Duration) (bool, error) {
	reconKey := uuid.NewString()

	// Register before publishing so a response arriving before this
	// goroutine resumes still resolves the key.
	waiter := c.registry.Register(reconKey)
	defer waiter.Cancel()

	if err := c.PushCommand(ctx, workload, "ping", map[string]any{}, reconKey); err != nil {
		return false, err
	}
	return waiter.Wait(ctx, timeout), nil
}

type commitRequest struct {
	Workload    string `json:"workload"`
	Application string `json:"application"`
	Command     string `json:"command"`
	FormData    string `json:"formData"`
	ReconKey    string `json:"reconKey"`
}

// SendCommand commits a control command over REST instead of the push
// channel. The payload travels as a JSON-encoded string.
func (c *Client) SendCommand(ctx context.Context, workload, applicationType, command string, payload any, reconKey string) error {
	formData, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "SendCommand", "encode payload")
	}
	req := commitRequest{
		Workload:    workload,
		Application: applicationType,
		Command:     command,
		FormData:    string(formData),
		ReconKey:    reconKey,
	}
	return c.rest.Post(ctx, commitPath, req, nil)
}

type macroRequest struct {
	UUID     string `json:"uuid"`
	ReconKey string `json:"reconKey"`
}

// ExecuteMacro runs a stored macro by id.
func (c *Client) ExecuteMacro(ctx context.Context, macroID, reconKey string) error {
	return c.rest.Post(ctx, macroExecutePath,
		macroRequest{UUID: macroID, ReconKey: reconKey}, nil)
}

// ListMacros returns all stored macros, cached after the first call.
func (c *Client) ListMacros(ctx context.Context) ([]Macro, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.macros != nil {
		return c.macros, nil
	}
	var macros []Macro
	if err := c.rest.Get(ctx, macroListPath, &macros); err != nil {
		return nil, err
	}
	c.macros = macros
	return macros, nil
}

// ListApplicationTypes returns all application references, including their
// command descriptors and schemas. Cached after the first call.
func (c *Client) ListApplicationTypes(ctx context.Context) ([]Application, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.applications != nil {
		return c.applications, nil
	}
	var apps []Application
	if err := c.rest.Get(ctx, applicationsPath, &apps); err != nil {
		return nil, err
	}
	c.applications = apps
	return apps, nil
}

// ListWorkloads returns the workload ids registered for an application
// type. Cached per application type.
func (c *Client) ListWorkloads(ctx context.Context, applicationType string) ([]string, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if cached, ok := c.workloads[applicationType]; ok {
		return cached, nil
	}
	var workloads []string
	path := fmt.Sprintf(workloadsPathFmt, applicationType)
	if err := c.rest.Get(ctx, path, &workloads); err != nil {
		return nil, err
	}
	c.workloads[applicationType] = workloads
	return workloads, nil
}

// ListControlGroups returns the control groups of an application type.
// Cached per application type.
func (c *Client) ListControlGroups(ctx context.Context, applicationType string) ([]ControlGroup, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if cached, ok := c.controlGroups[applicationType]; ok {
		return cached, nil
	}
	var groups []ControlGroup
	path := fmt.Sprintf(controlGroupsFmt, applicationType)
	if err := c.rest.Get(ctx, path, &groups); err != nil {
		return nil, err
	}
	c.controlGroups[applicationType] = groups
	return groups, nil
}

// ControlSchema returns the JSON schema of one command of an application
// type, drawn from the cached application references.
func (c *Client) ControlSchema(ctx context.Context, applicationType, command string) (string, error) {
	apps, err := c.ListApplicationTypes(ctx)
	if err != nil {
		return "", err
	}
	for _, app := range apps {
		if app.Name != applicationType {
			continue
		}
		for _, cmd := range app.Commands {
			if cmd.Name == command {
				return cmd.Schema, nil
			}
		}
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("no schema for %s.%s", applicationType, command),
		"Client", "ControlSchema", "look up command schema")
}

// SubscribeWorkload subscribes the push channel to every control topic of a
// workload.
func (c *Client) SubscribeWorkload(ctx context.Context, workload string) error {
	topic := fmt.Sprintf("%s.%s.*.*", controlTopicPrefix, workload)
	return c.publisher.Subscribe(ctx, topic)
}
