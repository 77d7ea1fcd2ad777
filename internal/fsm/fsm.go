package fsm

const (
	OrderStatePending   = "pending"
	OrderStateCompleted = "completed"
	OrderStateCancelled = "cancelled"
)

const (
	OrderEventComplete = "complete"
	OrderEventCancel   = "cancel"
)

// Channel states describe which detection channel is authoritative.
const (
	ChannelStateProbing  = "probing"
	ChannelStatePush     = "push"
	ChannelStatePoll     = "poll"
	ChannelStateDisabled = "disabled"
)

const (
	ChannelEventPushReady       = "push_ready"
	ChannelEventPushUnsupported = "push_unsupported"
	ChannelEventProbeFailed     = "probe_failed"
	ChannelEventListenerFailed  = "listener_failed"
	ChannelEventInitFailed      = "init_failed"
)
