// Package notification defines the platform notification model and the
// router that parses topics, unbundles multimessage envelopes, and fans
// dispatch records out to registered listeners.
package notification

import (
	"encoding/json"
)

// Notification is a single platform notification as delivered by either the
// push channel or a mailbox poll. Content is JSON-encoded text; binary
// payloads (keyframe previews) arrive in BinaryContent with the content type
// carried in Content.
type Notification struct {
	ID            string `json:"id"`
	Time          string `json:"time"`
	Topic         string `json:"topic"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId"`
	Account       string `json:"userOrClientId,omitempty"`
	Content       string `json:"content"`
	ContentType   string `json:"contentType,omitempty"`
	BinaryContent []byte `json:"binaryContent,omitempty"`
	TTL           int    `json:"ttl"`
}

// MultimessageKey is the sentinel correlation key marking an envelope whose
// payload bundles multiple logical notification bodies.
const MultimessageKey = "multimessage"

// Body is the generic JSON body of a control-plane notification.
type Body struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Status  int             `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details string          `json:"details,omitempty"`
}

// IsMultimessage reports whether the body is a multimessage envelope.
func (b Body) IsMultimessage() bool {
	return b.Key == MultimessageKey
}

// Family identifies the recognized notification families. Anything not
// recognized is routed as FamilyOpaque with its raw JSON body intact.
type Family string

// Known notification families
const (
	FamilyControlNotify Family = "control-notify"
	FamilyControlStatus Family = "control-status"
	FamilyRouteMade     Family = "route-made"
	FamilyKeyframe      Family = "keyframe-binary"
	FamilyAudioProbe    Family = "audio-probe"
	FamilyOpaque        Family = "opaque"
)

// Dispatch is a single routed notification record: one Notification yields
// one Dispatch, except multimessage envelopes which yield one per inner body.
type Dispatch struct {
	Workload string
	Command  string
	Type     string
	Family   Family
	Topic    Topic
	Body     Body

	// Source retains the originating notification for access to binary
	// content, timestamps, and correlation metadata.
	Source Notification
}

// RouteMadeEvent is the payload of a gv.cluster.matrix.*.routemade
// notification.
type RouteMadeEvent struct {
	RequestID     string `json:"requestId"`
	SourceID      string `json:"sourceId"`
	DestinationID string `json:"destinationId"`
}

// RouteMade decodes the dispatch content as a route-made event.
func (d Dispatch) RouteMade() (RouteMadeEvent, error) {
	var evt RouteMadeEvent
	err := json.Unmarshal([]byte(d.Source.Content), &evt)
	return evt, err
}

// ProbeUpdate is the payload of an audio meter probe notification.
type ProbeUpdate struct {
	UpdateTimeMs int64     `json:"updateTimeMs"`
	RMS          []float64 `json:"rms"`
	Peak         []float64 `json:"peak"`
}

// ProbeUpdate decodes the dispatch content as an audio probe update. The
// probe id is the final topic segment.
func (d Dispatch) ProbeUpdate() (ProbeUpdate, error) {
	var probe ProbeUpdate
	err := json.Unmarshal([]byte(d.Source.Content), &probe)
	return probe, err
}
