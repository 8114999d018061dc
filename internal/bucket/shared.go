// Package bucket implements SharedStorage, the single publicly addressable
// key/value map every client can reach at the preinstalled name "shared"
// (§4.5).
package bucket

import (
	"sync"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/shortname"
)

var selfName = shortname.Of("shared")

// SharedStorage is a process-singleton, tagless key/value map: every stored
// key is Public and reachable by any client without an owning name.
type SharedStorage struct {
	entity.Unsupported

	eventBroker *broker.Broker[entity.External]

	mu   sync.Mutex
	data map[shortname.Name][]byte
}

// New creates an empty SharedStorage wired to eventBroker for
// set/del publications.
func New(eventBroker *broker.Broker[entity.External]) *SharedStorage {
	return &SharedStorage{
		eventBroker: eventBroker,
		data:        make(map[shortname.Name][]byte),
	}
}

// Get implements Entity.
func (s *SharedStorage) Get(sender entity.Entity, key shortname.Name) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.data[key]
	return val, ok, nil
}

// Set implements Entity. The publication happens before the map write, as
// in the implementation this was grounded on.
func (s *SharedStorage) Set(sender entity.Entity, key shortname.Name, val []byte) error {
	s.publish(key, val, true)
	s.mu.Lock()
	s.data[key] = val
	s.mu.Unlock()
	return nil
}

// Del implements Entity. The upstream implementation this is grounded on
// publishes the deletion but never returns success afterward (a `todo!()`
// panic). This port resolves that open question by returning success once
// the publication and removal both complete; see the design notes for the
// rationale.
func (s *SharedStorage) Del(sender entity.Entity, key shortname.Name) error {
	s.publish(key, nil, false)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys implements Entity: every stored key is reported Public.
func (s *SharedStorage) Keys(sender entity.Entity) ([]entity.KeyTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.KeyTag, 0, len(s.data))
	for k := range s.data {
		out = append(out, entity.KeyTag{Name: k, Tag: entity.Public})
	}
	return out, nil
}

// UpdateName implements Entity: shared storage is never renamed.
func (s *SharedStorage) UpdateName(name *shortname.Name) {}

func (s *SharedStorage) publish(key shortname.Name, val []byte, present bool) {
	if s.eventBroker == nil {
		return
	}
	ek := eventkey.New(selfName, key)
	s.eventBroker.Send(ek, val, present, func(sub *entity.External, k eventkey.Key, d []byte, p bool) {
		sub.OnEvent(k, d, p)
	})
}
