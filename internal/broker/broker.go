// Package broker implements the weak-subscriber fan-out channel described in
// §4.3: a map from EventKey to a weakly-held subscriber set, plus a strongly
// held "alternative" subscriber list for boundary adapters (the HTTP/SSE
// façade) that cannot be held weakly.
//
// Weak membership is backed by the standard library's weak package
// (weak.Pointer[T]), the Go analogue of the original implementation's
// weak_table::PtrWeakHashSet — no third-party weak-map library is needed on
// Go 1.24.
package broker

import (
	"sync"
	"weak"

	"github.com/ocx/minibus/internal/eventkey"
)

// Deliver is invoked once per live subscriber during Send. present
// distinguishes a value publication (present=true) from a deletion/clear
// (present=false, data=nil) — the Go analogue of Option<&[u8]>.
type Deliver[T any] func(subscriber *T, key eventkey.Key, data []byte, present bool)

// Alternative is the interface implemented by strongly-held subscribers that
// self-report liveness. Receive returns false when the subscriber is dead
// and should be dropped from the list.
type Alternative interface {
	Receive(key eventkey.Key, data []byte, present bool) bool
}

// Broker fans out publications to weakly-held subscribers of type *T, plus a
// strongly-held alternative list. One Broker instance exists per kind
// (notify, event); both are created with New and differ only in the
// Deliver callback passed at Send call sites.
type Broker[T any] struct {
	mu          sync.Mutex
	weakSubs    map[eventkey.Key]map[weak.Pointer[T]]struct{}
	alternative map[eventkey.Key][]Alternative
}

// New creates an empty broker.
func New[T any]() *Broker[T] {
	return &Broker[T]{
		weakSubs:    make(map[eventkey.Key]map[weak.Pointer[T]]struct{}),
		alternative: make(map[eventkey.Key][]Alternative),
	}
}

// Register adds a weak reference to subscriber under key. Registering the
// same subscriber twice under the same key is idempotent.
func (b *Broker[T]) Register(subscriber *T, key eventkey.Key) {
	ptr := weak.Make(subscriber)
	b.mu.Lock()
	set, ok := b.weakSubs[key]
	if !ok {
		set = make(map[weak.Pointer[T]]struct{})
		b.weakSubs[key] = set
	}
	set[ptr] = struct{}{}
	b.mu.Unlock()
}

// RegisterAlternative appends a strongly-held subscriber to key's list, in
// insertion order.
func (b *Broker[T]) RegisterAlternative(key eventkey.Key, sub Alternative) {
	b.mu.Lock()
	b.alternative[key] = append(b.alternative[key], sub)
	b.mu.Unlock()
}

// Send visits every currently-live weak subscriber of key in unspecified
// order, awaiting (calling) deliver for each sequentially to preserve
// per-subscriber ordering, then visits the alternative list in insertion
// order. The primary map lock is released before any subscriber callback
// runs, so registration and other Sends never wait behind a slow subscriber.
func (b *Broker[T]) Send(key eventkey.Key, data []byte, present bool, deliver Deliver[T]) {
	b.mu.Lock()
	var live []*T
	if set, ok := b.weakSubs[key]; ok {
		live = make([]*T, 0, len(set))
		for ptr := range set {
			if v := ptr.Value(); v != nil {
				live = append(live, v)
			}
		}
	}
	alt := append([]Alternative(nil), b.alternative[key]...)
	b.mu.Unlock()

	for _, sub := range live {
		deliver(sub, key, data, present)
	}

	if len(alt) == 0 {
		return
	}
	dead := make([]int, 0)
	for i, sub := range alt {
		if !sub.Receive(key, data, present) {
			dead = append(dead, i)
		}
	}
	if len(dead) == 0 {
		return
	}

	b.mu.Lock()
	current := b.alternative[key]
	// current may have grown since the snapshot; only compact the indices we
	// actually observed returning false, identified by matching position in
	// the snapshot against the live list's prefix (the list is append-only
	// between Sends, so the snapshot is a prefix of current).
	deadSet := make(map[int]struct{}, len(dead))
	for _, i := range dead {
		deadSet[i] = struct{}{}
	}
	compacted := current[:0:0]
	for i, sub := range current {
		if i < len(alt) {
			if _, isDead := deadSet[i]; isDead {
				continue
			}
		}
		compacted = append(compacted, sub)
	}
	if len(compacted) == 0 {
		delete(b.alternative, key)
	} else {
		b.alternative[key] = compacted
	}
	b.mu.Unlock()
}

// Cleanup removes expired weak entries and keys whose sets are empty. It is
// safe to call opportunistically after any connection teardown.
func (b *Broker[T]) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, set := range b.weakSubs {
		for ptr := range set {
			if ptr.Value() == nil {
				delete(set, ptr)
			}
		}
		if len(set) == 0 {
			delete(b.weakSubs, key)
		}
	}
}

// SubscriberCount reports the number of live weak subscribers at key, for
// tests and metrics. It does not sweep expired entries.
func (b *Broker[T]) SubscriberCount(key eventkey.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for ptr := range b.weakSubs[key] {
		if ptr.Value() != nil {
			count++
		}
	}
	return count
}
