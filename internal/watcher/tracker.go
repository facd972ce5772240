// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"sort"
	"time"
)

// Kind is the kind of settled event the watcher reports.
type Kind int

// Settled event kinds.
const (
	KindAdded Kind = iota + 1
	KindReplaced
	KindRemoved
)

// String returns the metric/log label for k.
func (k Kind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindReplaced:
		return "replaced"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// settled is one coalesced event, keyed by entry name.
type settled struct {
	kind Kind
	name string
}

// pending is an entry seen but not yet settled.
type pending struct {
	lastSeen    time.Time
	replacement bool
	fp          fingerprint
	probed      bool
}

// probeFunc reports an entry's fingerprint, or ok=false when it is gone.
type probeFunc func(name string) (fp fingerprint, ok bool)

// tracker turns raw appear/vanish observations for top-level entry names
// into settled events. It holds no locks and does no I/O of its own; the
// run loop owns it.
type tracker struct {
	quiescence time.Duration
	known      map[string]bool
	inflight   map[string]*pending
	removed    map[string]time.Time
}

func newTracker(quiescence time.Duration, existing []string) *tracker {
	t := &tracker{
		quiescence: quiescence,
		known:      make(map[string]bool, len(existing)),
		inflight:   make(map[string]*pending),
		removed:    make(map[string]time.Time),
	}
	for _, name := range existing {
		t.known[name] = true
	}
	return t
}

// appear records that name was created or written at now.
func (t *tracker) appear(name string, now time.Time) {
	replacement := t.known[name]
	if _, ok := t.removed[name]; ok {
		// Removed and back within the window: one replacement, not remove+add.
		delete(t.removed, name)
		replacement = true
	}

	p, ok := t.inflight[name]
	if !ok {
		p = &pending{}
		t.inflight[name] = p
	}
	p.lastSeen = now
	p.replacement = p.replacement || replacement
}

// vanish records that name was removed or renamed away at now.
func (t *tracker) vanish(name string, now time.Time) {
	delete(t.inflight, name)
	if !t.known[name] {
		return
	}
	if _, ok := t.removed[name]; !ok {
		t.removed[name] = now
	}
}

// scan promotes quiet entries and expired removals. probe is consulted for
// every in-flight entry so a bundle still being filled in keeps its entry
// alive even when no raw event reaches the directory itself.
func (t *tracker) scan(now time.Time, probe probeFunc) []settled {
	var removals, adds []settled

	for name, at := range t.removed {
		if now.Sub(at) < t.quiescence {
			continue
		}
		delete(t.removed, name)
		delete(t.known, name)
		removals = append(removals, settled{kind: KindRemoved, name: name})
	}

	for name, p := range t.inflight {
		fp, ok := probe(name)
		if !ok {
			if now.Sub(p.lastSeen) < t.quiescence {
				continue
			}
			delete(t.inflight, name)
			if t.known[name] {
				delete(t.known, name)
				removals = append(removals, settled{kind: KindRemoved, name: name})
			}
			continue
		}

		if !p.probed {
			p.fp, p.probed = fp, true
		} else if fp != p.fp {
			p.fp = fp
			p.lastSeen = now
		}
		if now.Sub(p.lastSeen) < t.quiescence {
			continue
		}

		delete(t.inflight, name)
		kind := KindAdded
		if p.replacement {
			kind = KindReplaced
		}
		t.known[name] = true
		adds = append(adds, settled{kind: kind, name: name})
	}

	sortByName(removals)
	sortByName(adds)
	return append(removals, adds...)
}

// pendingCount is the number of entries in flight or awaiting removal.
func (t *tracker) pendingCount() int {
	return len(t.inflight) + len(t.removed)
}

func sortByName(events []settled) {
	sort.Slice(events, func(i, j int) bool { return events[i].name < events[j].name })
}
