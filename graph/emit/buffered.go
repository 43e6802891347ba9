package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by instance.
//
// It backs execution history queries and is the emitter of choice in tests.
// Memory grows with the number of events; call Clear once an instance's
// history is no longer needed.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero fields match all.
type HistoryFilter struct {
	NodeID  string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// GetHistory returns a copy of every event recorded for instanceID.
func (b *BufferedEmitter) GetHistory(instanceID string) []Event {
	return b.GetHistoryWithFilter(instanceID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of instanceID matching filter, in
// emission order.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[instanceID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events of instanceID carry msg.
func (b *BufferedEmitter) Count(instanceID, msg string) int {
	return len(b.GetHistoryWithFilter(instanceID, HistoryFilter{Msg: msg}))
}

// Clear drops the history of instanceID, or of every instance when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}
