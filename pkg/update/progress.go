package update

import "sync"

// Progress is the percentage of the update in flight, shared between the worker writing
// it and the command loop reading it. A nil value means no percentage is known.
type Progress struct {
	mu    sync.Mutex
	value *int
}

// Set records percent, clamped to [0,100]. Values lower than the current one are ignored.
func (p *Progress) Set(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value != nil && *p.value >= percent {
		return
	}
	p.value = &percent
}

// Get returns a copy of the current value.
func (p *Progress) Get() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value == nil {
		return nil
	}
	v := *p.value
	return &v
}

func (p *Progress) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = nil
}
