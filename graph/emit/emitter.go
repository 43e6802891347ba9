package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use (fan-out branches emit
// from separate goroutines) and must not block execution for long.
// Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans every event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
