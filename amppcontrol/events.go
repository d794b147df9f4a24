package amppcontrol

import (
	"encoding/json"

	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
)

// NotifyEvent is a decoded control notify message: a workload reporting
// state, echoing the recon key of the request that triggered it.
type NotifyEvent struct {
	Workload string
	Command  string
	Key      string
	Payload  json.RawMessage
}

// StatusEvent is a decoded control status message: a workload reporting the
// outcome, usually an error, of a command.
type StatusEvent struct {
	Workload string
	Command  string
	Key      string
	Status   int
	Error    string
	Details  string
}

// OnNotify registers a listener for control notify messages on the given
// registry. The returned token removes it.
func OnNotify(registry *notification.Registry, fn func(NotifyEvent)) notification.Token {
	return registry.Add(notification.FamilyControlNotify, func(d notification.Dispatch) {
		fn(NotifyEvent{
			Workload: d.Workload,
			Command:  d.Command,
			Key:      d.Body.Key,
			Payload:  d.Body.Payload,
		})
	})
}

// OnStatus registers a listener for control status messages on the given
// registry. The returned token removes it.
func OnStatus(registry *notification.Registry, fn func(StatusEvent)) notification.Token {
	return registry.Add(notification.FamilyControlStatus, func(d notification.Dispatch) {
		fn(StatusEvent{
			Workload: d.Workload,
			Command:  d.Command,
			Key:      d.Body.Key,
			Status:   d.Body.Status,
			Error:    d.Body.Error,
			Details:  d.Body.Details,
		})
	})
}
