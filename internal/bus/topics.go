package bus

// Node lifecycle topics, published by the hub registry.
const (
	TopicNodeConnected    = "node.connected"
	TopicNodeDisconnected = "node.disconnected"
	TopicNodeStale        = "node.stale"
)

// Task lifecycle topics, published by the dispatcher. Status changes go out
// on TopicTaskStatusPrefix + the new status (e.g. "task.status.completed") so
// subscribers can match all of them with the prefix alone.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStatusPrefix = "task.status."
	TopicTaskOutput       = "task.output"
)

// Scheduler and channel gateway topics.
const (
	TopicJobsLoaded      = "jobs.loaded"
	TopicChannelRejected = "channel.rejected"
)

// NodeEvent is published on node connect, disconnect, and staleness.
type NodeEvent struct {
	NodeID string
	Name   string
	Reason string
}

// TaskEvent is published on task creation and every status change.
type TaskEvent struct {
	TaskID          string
	NodeID          string
	Status          string
	Origin          string
	ConversationKey string
	Result          string
	Error           string
}

// TaskOutputEvent is published when a node streams an output snapshot.
type TaskOutputEvent struct {
	TaskID      string
	NodeID      string
	PartialText string
}

// JobsLoadedEvent is published whenever a scheduler (re)loads its job set.
type JobsLoadedEvent struct {
	Source string // "hub" or the node id
	Names  []string
}

// ChannelRejectedEvent is published when a webhook fails verification.
type ChannelRejectedEvent struct {
	Channel string
	Reason  string
}
