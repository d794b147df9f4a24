package routing

import "encoding/json"

// Fabric is one routing fabric in the cluster.
type Fabric struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fabricsResponse struct {
	Fabrics []Fabric `json:"fabrics"`
}

// Salvo is a stored set of routes executed as one operation.
type Salvo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Producer is a routable source.
type Producer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// ProducerData wraps a producer with its fabric-level metadata.
type ProducerData struct {
	Producer Producer `json:"producer"`
}

type producersResponse struct {
	Producers []ProducerData `json:"producers"`
}

// Consumer is a routable destination.
type Consumer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// ConsumerData wraps a consumer with its fabric-level metadata.
type ConsumerData struct {
	Consumer Consumer `json:"consumer"`
}

type consumersResponse struct {
	Consumers []ConsumerData `json:"consumers"`
}

// Flow is one media flow of a producer stream.
type Flow struct {
	FlowID     string          `json:"flowId"`
	DataType   string          `json:"dataType"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
}

// Stream carries a producer's flows.
type Stream struct {
	Flows []Flow `json:"flows"`
}

// ProducerDetail is the full producer record, including the node it runs on
// and its stream flows. Keyframe and audio meter subscriptions are built
// from it.
type ProducerDetail struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	NodeID string `json:"nodeId"`
	Stream Stream `json:"stream"`
}

// FlowsOfType returns the producer's flows with the given data type, such as
// "Pic" for preview frames or "Snd" for audio.
func (p ProducerDetail) FlowsOfType(dataType string) []Flow {
	var flows []Flow
	for _, flow := range p.Stream.Flows {
		if flow.DataType == dataType {
			flows = append(flows, flow)
		}
	}
	return flows
}

type routeRequest struct {
	SourceID      string `json:"sourceId"`
	DestinationID string `json:"destinationId"`
}

type routeResponse struct {
	RequestID string `json:"requestId"`
}

// RouteStatus is the state of a route request.
type RouteStatus struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// RouteChangedEvent is fired when the cluster reports a route was made,
// with producer and consumer ids resolved to names where the caches know
// them.
type RouteChangedEvent struct {
	FabricID        string
	SourceName      string
	DestinationName string
}
