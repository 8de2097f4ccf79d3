package events

// Event names the gateway itself writes to client streams.
const (
	EventTypeOpen      = "open"
	EventTypeConfigure = "configure"
	EventTypeReload    = "reload"
	EventTypePingback  = "pingback"
)

// Diagnostic state events are published on StateChannel when enabled.
const (
	StateChannel          = "sse"
	StateEventSubscribe   = "subscribe"
	StateEventUnsubscribe = "unsubscribe"

	StatePropNumSubs     = "sse_numsubs"
	StatePropDispatcher  = "sse_subs_dispatcher"
	StatePropChannelName = "sse_subs_channel_name"
	StatePropFilter      = "sse_subs_filter"
)

// Properties stamped on every message delivered to a client.
const (
	PropDispatcherID   = "dispatcherId"
	PropDispatcherInst = "dispatcherInst"
)

// OpenEvent is sent first on every listen stream.
type OpenEvent struct {
	DispatcherID   string `json:"dispatcherId"`
	DispatcherInst string `json:"dispatcherInst"`
}

// ConfigureAckEvent acknowledges a configuration batch.
type ConfigureAckEvent struct {
	BatchID        string `json:"batchId"`
	DispatcherID   string `json:"dispatcherId"`
	DispatcherInst string `json:"dispatcherInst"`
}

// ReloadEvent tells the client its event stream has a gap.
type ReloadEvent struct {
	DispatcherID   string `json:"dispatcherId"`
	DispatcherInst string `json:"dispatcherInst"`
	Reason         string `json:"reason"`
}

// PingbackData is the payload of a pingback event.
const PingbackData = "ack"
