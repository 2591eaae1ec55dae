// Package sessions tracks the live proxy session per identity. At most one
// session per identity is active; registering a replacement tears the old one
// down first.
package sessions

import (
	"context"
	"sync"
)

// Handle exposes the operations the tracker may invoke on a session.
type Handle struct {
	SessionID string
	// Close tears the session down. Must be idempotent.
	Close func()
	// Notify sends a system notice to the session's client.
	Notify func(message string)
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register installs a session for an identity and returns its unregister
// func. A prior session for the same identity is closed before this returns.
func (t *Tracker) Register(identity string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[identity]
	t.sessions[identity] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Close != nil {
			old.handle.Close()
		}
		t.unregister(identity, old)
	}

	return func() { t.unregister(identity, entry) }
}

func (t *Tracker) unregister(identity string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[identity] == entry {
			delete(t.sessions, identity)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Active reports whether an identity currently has a live session.
func (t *Tracker) Active(identity string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[identity]
	return ok
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// NotifyAll sends a system notice to every live session.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	var notifies []func(string)
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		notify(message)
		sent++
	}
	return sent
}

// CloseAll tears down every live session, used during shutdown.
func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}
	var closes []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Close == nil {
			continue
		}
		closes = append(closes, entry.handle.Close)
	}
	t.mu.Unlock()

	for _, closeFn := range closes {
		closeFn()
		closed++
	}
	return closed
}

// Wait blocks until every registered session has unregistered, or the
// context expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
