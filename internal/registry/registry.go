// Package registry implements the process-wide name → entity bidirectional
// binding of §4.4: a forward map from ShortName to a weakly-held entity and
// a reverse map recovering an entity's own name, backed by the standard
// library weak package in place of weak_table's PtrWeakKeyHashMap /
// WeakValueHashMap.
package registry

import (
	"sync"
	"weak"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/shortname"
)

// selfName is the name under which the registry is bound to itself.
var selfName = shortname.Of("registry")

// entityRef is either a strongly held process singleton (the registry
// itself, shared storage) or a weak reference to a connection-scoped
// *entity.External.
type entityRef struct {
	strong entity.Entity
	weak   weak.Pointer[entity.External]
}

func (r entityRef) resolve() entity.Entity {
	if r.strong != nil {
		return r.strong
	}
	if e := r.weak.Value(); e != nil {
		return e
	}
	return nil
}

// Registry is the single process-wide name registry. It embeds
// entity.Unsupported since registry names cannot be called.
type Registry struct {
	entity.Unsupported

	eventBroker *broker.Broker[entity.External]

	mu      sync.Mutex
	forward map[shortname.Name]entityRef
	reverse map[weak.Pointer[entity.External]]shortname.Name
}

// New creates a registry pre-bound to itself under "registry" and to shared
// under "shared", and wired to eventBroker for registration/unregistration
// publications.
func New(eventBroker *broker.Broker[entity.External], shared entity.Entity) *Registry {
	r := &Registry{
		eventBroker: eventBroker,
		forward:     make(map[shortname.Name]entityRef),
		reverse:     make(map[weak.Pointer[entity.External]]shortname.Name),
	}
	r.forward[selfName] = entityRef{strong: r}
	r.forward[shortname.Of("shared")] = entityRef{strong: shared}
	return r
}

// Find resolves a registered name to its live entity, for gateway command
// dispatch. The second result is false if the name is unbound or its
// weakly-held entity has expired.
func (r *Registry) Find(key shortname.Name) (entity.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.forward[key]
	if !ok {
		return nil, false
	}
	resolved := ref.resolve()
	if resolved == nil {
		delete(r.forward, key)
		return nil, false
	}
	return resolved, true
}

// Get implements Entity: existence without a stored value (the registry
// itself stores no per-name data).
func (r *Registry) Get(sender entity.Entity, key shortname.Name) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.forward[key]; ok {
		return nil, false, nil
	}
	return nil, false, entity.ErrNotFound
}

// Set implements Entity: it is how a connection binds its own name. sender
// must be a live *entity.External; it may hold at most one registered name
// at a time.
func (r *Registry) Set(sender entity.Entity, key shortname.Name, val []byte) error {
	ext, ok := sender.(*entity.External)
	if !ok {
		return entity.ErrNotSupported
	}

	r.mu.Lock()
	if ref, exists := r.forward[key]; exists && ref.resolve() != nil {
		r.mu.Unlock()
		return entity.ErrDuplicated
	}
	senderPtr := weak.Make(ext)
	if _, exists := r.reverse[senderPtr]; exists {
		r.mu.Unlock()
		return entity.ErrTooManyNames
	}
	r.forward[key] = entityRef{weak: senderPtr}
	r.reverse[senderPtr] = key
	r.mu.Unlock()

	name := key
	ext.UpdateName(&name)
	r.publish(key, val, true)
	return nil
}

// Del implements Entity: only the entity currently bound to key may unbind
// it.
func (r *Registry) Del(sender entity.Entity, key shortname.Name) error {
	ext, ok := sender.(*entity.External)
	if !ok {
		return entity.ErrWriteForbidden
	}

	r.mu.Lock()
	ref, exists := r.forward[key]
	if !exists {
		r.mu.Unlock()
		return entity.ErrNotFound
	}
	resolved := ref.resolve()
	if resolved == nil {
		delete(r.forward, key)
		r.mu.Unlock()
		return entity.ErrNotFound
	}
	if resolved != entity.Entity(ext) {
		r.mu.Unlock()
		return entity.ErrWriteForbidden
	}
	senderPtr := weak.Make(ext)
	delete(r.forward, key)
	delete(r.reverse, senderPtr)
	r.mu.Unlock()

	ext.UpdateName(nil)
	r.publish(key, nil, false)
	return nil
}

// Keys implements Entity: a name resolving to the caller itself is tagged
// Public, every other binding is Protected — the caller may confirm its own
// registration but not enumerate others' identities.
func (r *Registry) Keys(sender entity.Entity) ([]entity.KeyTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.KeyTag, 0, len(r.forward))
	for key, ref := range r.forward {
		resolved := ref.resolve()
		if resolved == nil {
			continue
		}
		tag := entity.Protected
		if resolved == sender {
			tag = entity.Public
		}
		out = append(out, entity.KeyTag{Name: key, Tag: tag})
	}
	return out, nil
}

// UpdateName implements Entity: the registry itself is never renamed.
func (r *Registry) UpdateName(name *shortname.Name) {}

// Cleanup sweeps forward/reverse entries whose weak entity has expired.
// Safe to call opportunistically after any connection teardown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ref := range r.forward {
		if ref.strong == nil && ref.weak.Value() == nil {
			delete(r.forward, key)
		}
	}
	for ptr := range r.reverse {
		if ptr.Value() == nil {
			delete(r.reverse, ptr)
		}
	}
}

func (r *Registry) publish(key shortname.Name, val []byte, present bool) {
	if r.eventBroker == nil {
		return
	}
	ek := eventkey.New(selfName, key)
	r.eventBroker.Send(ek, val, present, func(sub *entity.External, k eventkey.Key, d []byte, p bool) {
		sub.OnEvent(k, d, p)
	})
}
