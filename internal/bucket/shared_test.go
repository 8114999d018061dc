package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

func TestSetGetDelRoundTrip(t *testing.T) {
	s := New(broker.New[entity.External]())

	_, present, err := s.Get(nil, shortname.Of("k"))
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, s.Set(nil, shortname.Of("k"), []byte("v")))
	val, present, err := s.Get(nil, shortname.Of("k"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, s.Del(nil, shortname.Of("k")))
	_, present, err = s.Get(nil, shortname.Of("k"))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestKeysAreAllPublic(t *testing.T) {
	s := New(broker.New[entity.External]())
	require.NoError(t, s.Set(nil, shortname.Of("a"), []byte("1")))
	require.NoError(t, s.Set(nil, shortname.Of("b"), []byte("2")))

	keys, err := s.Keys(nil)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Equal(t, entity.Public, k.Tag)
	}
}

type recordingWriter struct {
	frames []wire.Response
}

func (w *recordingWriter) WriteResponse(resp wire.Response) error {
	w.frames = append(w.frames, resp)
	return nil
}

func TestSetPublishesToEventBroker(t *testing.T) {
	eventBroker := broker.New[entity.External]()
	s := New(eventBroker)

	subWriter := &recordingWriter{}
	sub := entity.New(subWriter, broker.New[entity.External](), eventBroker)
	ek := eventkey.New(selfName, shortname.Of("k"))
	sub.RegisterEvent(ek, 1)

	require.NoError(t, s.Set(nil, shortname.Of("k"), []byte("v")))
	require.Len(t, subWriter.frames, 1)
	assert.EqualValues(t, 1, subWriter.frames[0].ReqID)
	assert.Equal(t, wire.SuccessWithData([]byte("v")), subWriter.frames[0].Payload)
}
