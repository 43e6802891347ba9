package emit

// Event names emitted by the executor and the resume gateway.
const (
	MsgInstanceStarted   = "instance_started"
	MsgNodeStart         = "node_start"
	MsgNodeEnd           = "node_end"
	MsgNodeRetry         = "node_retry"
	MsgNodeError         = "node_error"
	MsgRoute             = "route"
	MsgUndeclaredOutput  = "undeclared_output"
	MsgSuspended         = "suspended"
	MsgResumed           = "resumed"
	MsgDuplicateResume   = "duplicate_resume"
	MsgCompleted         = "completed"
	MsgFailed            = "failed"
	MsgAbandoned         = "abandoned"
	MsgCheckpointSaved   = "checkpoint_saved"
	MsgCheckpointDeleted = "checkpoint_deleted"
)

// Event is an observability record emitted while an instance executes.
type Event struct {
	// InstanceID identifies the workflow instance that emitted the event.
	InstanceID string

	// Step is the number of node executions merged so far.
	// Zero for instance-level events emitted before the first node.
	Step int

	// NodeID identifies the node the event is about.
	// Empty for instance-level events.
	NodeID string

	// Msg is the event name, one of the Msg* constants.
	Msg string

	// Meta carries event specific data. Common keys:
	//   - "duration_ms": node execution time
	//   - "error": error text, marks the event as a failure
	//   - "attempt": retry attempt number
	//   - "to": routing target
	//   - "token": correlation token
	Meta map[string]interface{}
}
