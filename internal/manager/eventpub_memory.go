package manager

import "sync"

// MemoryPublisher keeps the most recent events in memory. Limit caps how
// many are kept (oldest dropped first); zero keeps everything.
type MemoryPublisher struct {
	Limit int

	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if p.Limit > 0 && len(p.events) > p.Limit {
		p.events = append(p.events[:0], p.events[len(p.events)-p.Limit:]...)
	}
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the kept events called name, oldest first.
func (p *MemoryPublisher) Named(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
