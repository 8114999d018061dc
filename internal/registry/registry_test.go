package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

type recordingWriter struct {
	frames []wire.Response
}

func (w *recordingWriter) WriteResponse(resp wire.Response) error {
	w.frames = append(w.frames, resp)
	return nil
}

type stubShared struct {
	entity.Unsupported
}

func (stubShared) UpdateName(name *shortname.Name)                   {}
func (stubShared) Get(entity.Entity, shortname.Name) ([]byte, bool, error) { return nil, false, nil }
func (stubShared) Set(entity.Entity, shortname.Name, []byte) error    { return nil }
func (stubShared) Del(entity.Entity, shortname.Name) error            { return nil }
func (stubShared) Keys(entity.Entity) ([]entity.KeyTag, error)        { return nil, nil }

func newTestRegistry() (*Registry, *broker.Broker[entity.External]) {
	eb := broker.New[entity.External]()
	return New(eb, stubShared{}), eb
}

func newTestExternal(eb *broker.Broker[entity.External]) (*entity.External, *recordingWriter) {
	w := &recordingWriter{}
	return entity.New(w, broker.New[entity.External](), eb), w
}

func TestPreinstalledBindingsResolve(t *testing.T) {
	r, _ := newTestRegistry()
	e, ok := r.Find(shortname.Of("registry"))
	require.True(t, ok)
	assert.Equal(t, entity.Entity(r), e)

	_, ok = r.Find(shortname.Of("shared"))
	require.True(t, ok)
}

func TestSetBindsNameAndRejectsDuplicate(t *testing.T) {
	r, eb := newTestRegistry()
	alice, _ := newTestExternal(eb)

	require.NoError(t, r.Set(alice, shortname.Of("alice"), []byte("v")))
	assert.Equal(t, shortname.Of("alice"), *alice.Name())

	bob, _ := newTestExternal(eb)
	err := r.Set(bob, shortname.Of("alice"), []byte("v"))
	assert.ErrorIs(t, err, entity.ErrDuplicated)
}

func TestSetRejectsSecondNameForSameEntity(t *testing.T) {
	r, eb := newTestRegistry()
	alice, _ := newTestExternal(eb)

	require.NoError(t, r.Set(alice, shortname.Of("alice"), []byte("v")))
	err := r.Set(alice, shortname.Of("alice2"), []byte("v"))
	assert.ErrorIs(t, err, entity.ErrTooManyNames)
}

func TestDelOnlyAllowedByOwner(t *testing.T) {
	r, eb := newTestRegistry()
	alice, _ := newTestExternal(eb)
	bob, _ := newTestExternal(eb)

	require.NoError(t, r.Set(alice, shortname.Of("alice"), []byte("v")))

	err := r.Del(bob, shortname.Of("alice"))
	assert.ErrorIs(t, err, entity.ErrWriteForbidden)

	require.NoError(t, r.Del(alice, shortname.Of("alice")))
	assert.Nil(t, alice.Name())

	_, ok := r.Find(shortname.Of("alice"))
	assert.False(t, ok)
}

func TestKeysTagsOwnNamePublicOthersProtected(t *testing.T) {
	r, eb := newTestRegistry()
	alice, _ := newTestExternal(eb)
	bob, _ := newTestExternal(eb)
	require.NoError(t, r.Set(alice, shortname.Of("alice"), []byte("v")))
	require.NoError(t, r.Set(bob, shortname.Of("bob"), []byte("v")))

	keys, err := r.Keys(alice)
	require.NoError(t, err)

	tags := map[shortname.Name]entity.AccessTag{}
	for _, k := range keys {
		tags[k.Name] = k.Tag
	}
	assert.Equal(t, entity.Public, tags[shortname.Of("alice")])
	assert.Equal(t, entity.Protected, tags[shortname.Of("bob")])
	// Process singletons never match a connection-scoped sender.
	assert.Equal(t, entity.Protected, tags[shortname.Of("registry")])
}

func TestGetReportsExistenceWithoutValue(t *testing.T) {
	r, eb := newTestRegistry()
	alice, _ := newTestExternal(eb)
	require.NoError(t, r.Set(alice, shortname.Of("alice"), []byte("v")))

	val, present, err := r.Get(nil, shortname.Of("alice"))
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, val)

	_, _, err = r.Get(nil, shortname.Of("nobody"))
	assert.ErrorIs(t, err, entity.ErrNotFound)
}
