package notification

import (
	"fmt"
	"strings"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
)

// Topic segment positions. Segments [0..2] form the namespace prefix,
// segment 3 addresses a workload or entity, segment 4 names a command, and
// the optional segment 5 carries the message type.
const (
	segWorkload = 3
	segCommand  = 4
	segType     = 5

	minSegments = 4
)

// Message type values carried in the sixth topic segment
const (
	TypeNotify = "notify"
	TypeStatus = "status"
)

// Topic is a parsed dot-delimited notification topic.
type Topic struct {
	raw      string
	segments []string
}

// ParseTopic splits a raw topic and validates the minimum segment count.
// Topics with fewer than four segments are rejected; the router drops them.
func ParseTopic(raw string) (Topic, error) {
	segments := strings.Split(raw, ".")
	if len(segments) < minSegments {
		return Topic{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q has %d segments, need at least %d",
				errors.ErrMalformedTopic, raw, len(segments), minSegments),
			"Topic", "ParseTopic", "validate segment count")
	}
	return Topic{raw: raw, segments: segments}, nil
}

// String returns the raw topic.
func (t Topic) String() string {
	return t.raw
}

// Segments returns the topic split on dots.
func (t Topic) Segments() []string {
	return t.segments
}

// Prefix returns the leading namespace, segments [0..2] joined.
func (t Topic) Prefix() string {
	return strings.Join(t.segments[:3], ".")
}

// Workload returns the workload/entity identifier (segment 3).
func (t Topic) Workload() string {
	return t.segments[segWorkload]
}

// Command returns the command name (segment 4), or "" for 4-segment topics.
func (t Topic) Command() string {
	if len(t.segments) <= segCommand {
		return ""
	}
	return t.segments[segCommand]
}

// Type returns the message type (segment 5), or "" when absent.
func (t Topic) Type() string {
	if len(t.segments) <= segType {
		return ""
	}
	return t.segments[segType]
}

// Last returns the final segment.
func (t Topic) Last() string {
	return t.segments[len(t.segments)-1]
}

// Topic namespace prefixes consumed by the SDK
const (
	prefixControl    = "gv.ampp.control"
	prefixKeyframe   = "gv.ampp.keyframe"
	prefixAudioMeter = "gv.ampp.audiometer"
	prefixMatrix     = "gv.cluster.matrix"

	commandRouteMade = "routemade"
)

// family classifies the topic into a notification family. Control topics
// are split by the type segment; keyframe payloads are binary and carry no
// type segment semantics; audiometer prefixes match any gv.ampp.audiometer*
// namespace.
func (t Topic) family() Family {
	prefix := t.Prefix()
	switch {
	case prefix == prefixControl:
		switch t.Type() {
		case TypeStatus:
			return FamilyControlStatus
		case TypeNotify:
			return FamilyControlNotify
		default:
			return FamilyOpaque
		}
	case prefix == prefixKeyframe:
		return FamilyKeyframe
	case strings.HasPrefix(prefix, prefixAudioMeter):
		return FamilyAudioProbe
	case prefix == prefixMatrix && t.Command() == commandRouteMade:
		return FamilyRouteMade
	default:
		return FamilyOpaque
	}
}

// ControlTopic builds gv.ampp.control.{workload}.{command}.
func ControlTopic(workloadID, command string) string {
	return fmt.Sprintf("%s.%s.%s", prefixControl, workloadID, command)
}

// ControlWildcard builds the subscription pattern covering every command and
// message type for a workload.
func ControlWildcard(workloadID string) string {
	return fmt.Sprintf("%s.%s.*.*", prefixControl, workloadID)
}

// KeyframeTopic builds gv.ampp.keyframe.{nodeId}.{flowId}.{sizeTag}.
func KeyframeTopic(nodeID, flowID, sizeTag string) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefixKeyframe, nodeID, flowID, sizeTag)
}

// AudioMeterTopic builds gv.ampp.audiometer.{probeId}.
func AudioMeterTopic(probeID string) string {
	return fmt.Sprintf("%s.%s", prefixAudioMeter, probeID)
}

// AudioMeterProbeTopic builds gv.ampp.audiometerprobe.{nodeId}, the topic
// probe registrations are published to.
func AudioMeterProbeTopic(nodeID string) string {
	return fmt.Sprintf("%sprobe.%s", prefixAudioMeter, nodeID)
}

// RouteMadeWildcard is the subscription pattern for route-made events across
// all fabrics.
const RouteMadeWildcard = "gv.cluster.matrix.*.routemade"
