// Package events carries the in-process notifications consumed by external
// collaborators (notification/audit adapters subscribe here).
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	ViolationOpened       Kind = "violation.opened"
	ViolationClosed       Kind = "violation.closed"
	ActionCompleted       Kind = "action.completed"
	ActionFailed          Kind = "action.failed"
	LimitExceeded         Kind = "screentime.limit_exceeded"
	LicenseViolationRaise Kind = "license.violation_raised"
)

type Event struct {
	Kind     Kind
	EntityID string // device/action/license ID relevant to the kind
	At       time.Time
	Payload  map[string]any
}

type Handler func(Event)

// Bus — synchronous in-process fan-out. Handlers run on the publisher's
// goroutine; subscribers that need isolation buffer on their own side.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]Handler)}
}

func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[k] = append(b.subs[k], h)
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.subs[e.Kind]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}
