package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeHandle is an in-memory Handle usable directly by tests, or driven by
// FakeSpawner for full Loop/Lifecycle integration tests.
type FakeHandle struct {
	mu       sync.Mutex
	events   chan Event
	exit     chan ExitStatus
	stopped  bool
	exitOnce sync.Once
	sent     []string
}

func newFakeHandle() *FakeHandle {
	return &FakeHandle{
		events: make(chan Event, 64),
		exit:   make(chan ExitStatus, 1),
	}
}

func (h *FakeHandle) Events() <-chan Event { return h.events }
func (h *FakeHandle) Wait() <-chan ExitStatus { return h.exit }

// Stop marks the handle stopped and synthesizes a zero-exit-code exit if
// the test harness has not already driven one.
func (h *FakeHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.Finish(ExitStatus{ExitCode: 0})
	return nil
}

// Send records message as delivered to the fake subprocess, for test
// assertions on steering/interrupt/broadcast delivery.
func (h *FakeHandle) Send(ctx context.Context, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("fake handle: agent already stopped")
	}
	h.sent = append(h.sent, message)
	return nil
}

// Sent returns every message delivered via Send, in order.
func (h *FakeHandle) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// Emit pushes a synthetic event onto the handle's stream, for driving
// handler-manager tests.
func (h *FakeHandle) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.events <- ev
}

// Finish terminates the handle: it closes Events() and then delivers
// status on Wait(). Safe to call multiple times; only the first call
// has effect.
func (h *FakeHandle) Finish(status ExitStatus) {
	h.exitOnce.Do(func() {
		close(h.events)
		h.exit <- status
		close(h.exit)
	})
}

// IsStopped reports whether Stop has been called, for test assertions.
func (h *FakeHandle) IsStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// FakeSpawner is a Spawner backed by FakeHandle, recording every spawn
// request for test assertions.
type FakeSpawner struct {
	mu      sync.Mutex
	spawns  []Spawn
	handles []*FakeHandle
	OnSpawn func(req Spawn, handle *FakeHandle)
}

// NewFakeSpawner constructs an empty FakeSpawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{}
}

// Spawn implements Spawner.
func (s *FakeSpawner) Spawn(ctx context.Context, req Spawn) (Handle, error) {
	h := newFakeHandle()
	s.mu.Lock()
	s.spawns = append(s.spawns, req)
	s.handles = append(s.handles, h)
	cb := s.OnSpawn
	s.mu.Unlock()
	if cb != nil {
		cb(req, h)
	}
	return h, nil
}

// Spawns returns a copy of every spawn request seen so far, in order.
func (s *FakeSpawner) Spawns() []Spawn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Spawn(nil), s.spawns...)
}

// LastHandle returns the most recently created handle, or nil.
func (s *FakeSpawner) LastHandle() *FakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}
