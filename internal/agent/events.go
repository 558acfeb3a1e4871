package agent

import "sync"

// Lifecycle event names.
const (
	EventLaunchStart   = "launch_start"
	EventLaunchReady   = "launch_ready"
	EventLaunchFailed  = "launch_failed"
	EventTerminateDone = "terminate_done"
	EventReportFailed  = "report_failed"
)

// Event is an agent lifecycle event: a name, the model handle it concerns
// (empty for node-level events) and optional fields.
type Event struct {
	Name   string
	Handle string
	Fields map[string]any
}

// EventPublisher receives agent events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names lists the names of the recorded events in order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
