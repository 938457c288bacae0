package downloader

import (
	"context"

	"github.com/jxwalker/maintsync/internal/model"
)

type subscriber struct {
	ch     chan model.ProgressUpdate
	seen   bool
	closed bool
}

// Observe streams progress for a task. The channel first receives the
// current state, then every persisted change, and is closed after the
// terminal update. Slow observers only miss intermediate updates, never the
// terminal one. The returned func unsubscribes.
func (m *Manager) Observe(ctx context.Context, taskID string) (<-chan model.ProgressUpdate, func(), error) {
	sub := &subscriber{ch: make(chan model.ProgressUpdate, 8)}
	m.mu.Lock()
	if m.subs[taskID] == nil {
		m.subs[taskID] = make(map[*subscriber]struct{})
	}
	m.subs[taskID][sub] = struct{}{}
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set := m.subs[taskID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(m.subs, taskID)
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}

	// read after subscribing so no transition can slip between the two
	t, err := m.Get(ctx, taskID)
	if err != nil {
		unsubscribe()
		return nil, func() {}, err
	}
	m.mu.Lock()
	// a live update that raced ahead is newer than t
	if !sub.seen {
		deliver(sub, t.Update())
	}
	m.mu.Unlock()
	return sub.ch, unsubscribe, nil
}

func (m *Manager) publish(u model.ProgressUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[u.TaskID] {
		deliver(sub, u)
	}
	if u.Status.Terminal() {
		delete(m.subs, u.TaskID)
	}
}

// deliver never blocks: when the buffer is full the oldest update is
// dropped. Must be called with m.mu held.
func deliver(sub *subscriber, u model.ProgressUpdate) {
	if sub.closed {
		return
	}
	sub.seen = true
	for {
		select {
		case sub.ch <- u:
			if u.Status.Terminal() {
				sub.closed = true
				close(sub.ch)
			}
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}
