// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"log/slog"
	"sync"
)

// ChangeKind names what happened to the registry.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded     ChangeKind = "added"
	ChangeReplaced  ChangeKind = "replaced"
	ChangeRemoved   ChangeKind = "removed"
	ChangeEnabled   ChangeKind = "enabled"
	ChangeConflicts ChangeKind = "conflicts"
	ChangeReloaded  ChangeKind = "reloaded"
)

// Change is sent to subscribers after the registry state changed. Receivers
// call Snapshot for the new state.
type Change struct {
	Kind       ChangeKind
	Identifier string
	Location   string
}

const subscriberBuffer = 64

// broadcaster fans changes out to subscribers without ever blocking the
// registry.
type broadcaster struct {
	mu     sync.RWMutex
	subs   []chan Change
	closed bool
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{logger: logger}
}

func (b *broadcaster) subscribe() <-chan Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Change, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *broadcaster) unsubscribe(ch <-chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (b *broadcaster) broadcast(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.logger.Warn("change dropped: subscriber buffer full",
				"kind", string(c.Kind),
				"identifier", c.Identifier,
			)
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
