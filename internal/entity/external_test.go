package entity

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/eventkey"
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

func newTestExternal() (*External, *broker.Broker[External], *broker.Broker[External], *recordingWriter) {
	notify := broker.New[External]()
	event := broker.New[External]()
	w := &recordingWriter{}
	e := New(w, notify, event)
	return e, notify, event, w
}

func TestGetPublicAndProtectedSucceedOnlyPrivateIsForbidden(t *testing.T) {
	e, _, _, _ := newTestExternal()
	e.SetPrivate(shortname.Of("pub"), []byte("v1"), Public)
	e.SetPrivate(shortname.Of("prot"), []byte("v2"), Protected)
	e.SetPrivate(shortname.Of("priv"), []byte("v3"), Private)

	val, present, err := e.Get(nil, shortname.Of("pub"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("v1"), val)

	val, present, err = e.Get(nil, shortname.Of("prot"))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("v2"), val)

	_, _, err = e.Get(nil, shortname.Of("priv"))
	assert.ErrorIs(t, err, ErrGetNotAllowed)

	_, _, err = e.Get(nil, shortname.Of("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRemoteOnlyAllowedOnPublicKeys(t *testing.T) {
	e, _, _, _ := newTestExternal()
	e.SetPrivate(shortname.Of("open"), []byte("orig"), Public)
	e.SetPrivate(shortname.Of("locked"), []byte("orig"), Protected)

	require.NoError(t, e.Set(nil, shortname.Of("open"), []byte("new")))
	val, _, err := e.GetPrivate(shortname.Of("open"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)

	err = e.Set(nil, shortname.Of("locked"), []byte("new"))
	assert.ErrorIs(t, err, ErrWriteForbidden)

	// Writing a brand new key remotely creates it as Public.
	require.NoError(t, e.Set(nil, shortname.Of("fresh"), []byte("v")))
}

func TestDelRemoteOnlyAllowedOnPublicKeys(t *testing.T) {
	e, _, _, _ := newTestExternal()
	e.SetPrivate(shortname.Of("open"), []byte("v"), Public)
	e.SetPrivate(shortname.Of("locked"), []byte("v"), Private)

	err := e.Del(nil, shortname.Of("locked"))
	assert.ErrorIs(t, err, ErrWriteForbidden)

	require.NoError(t, e.Del(nil, shortname.Of("open")))
	_, _, err = e.GetPrivate(shortname.Of("open"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeysOnlyListsPublic(t *testing.T) {
	e, _, _, _ := newTestExternal()
	e.SetPrivate(shortname.Of("pub"), []byte("v"), Public)
	e.SetPrivate(shortname.Of("priv"), []byte("v"), Private)

	keys, err := e.Keys(nil)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, shortname.Of("pub"), keys[0].Name)
}

func TestSetACLOnMissingKeyCreatesReservation(t *testing.T) {
	e, _, _, _ := newTestExternal()
	err := e.SetACL(shortname.Of("nope"), Public)
	assert.NoError(t, err)

	val, present, err := e.GetPrivate(shortname.Of("nope"))
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, val)
}

func TestEventPublishOnPublicMutationReachesSubscriber(t *testing.T) {
	e, notifyBroker, eventBroker, _ := newTestExternal()
	name := shortname.Of("alice")
	e.UpdateName(&name)

	subWriter := &recordingWriter{}
	sub := New(subWriter, notifyBroker, eventBroker)
	key := eventkey.New(name, shortname.Of("x"))
	sub.RegisterEvent(key, 42)

	require.NoError(t, e.Set(nil, shortname.Of("x"), []byte("v")))
	require.Len(t, subWriter.frames, 1)
	assert.EqualValues(t, 42, subWriter.frames[0].ReqID)
	assert.Equal(t, wire.KindNext, subWriter.frames[0].Kind)
	assert.Equal(t, wire.SuccessWithData([]byte("v")), subWriter.frames[0].Payload)
	runtime.KeepAlive(sub)
}

func TestCallRoundTripDeliversResponse(t *testing.T) {
	caller, _, _, callerWriter := newTestExternal()
	target, _, _, targetWriter := newTestExternal()

	require.NoError(t, target.Call(caller.Handle(), 11, shortname.Of("m"), []byte("p")))
	require.Len(t, targetWriter.frames, 1)
	callFrame := targetWriter.frames[0]
	assert.Equal(t, wire.KindCall, callFrame.Kind)

	// target's client answers with RESPONSE on the CALL frame's reqid.
	require.NoError(t, target.RecvCallResp(callFrame.ReqID, wire.SuccessWithData([]byte("OK"))))

	require.Len(t, callerWriter.frames, 1)
	resp := callerWriter.frames[0]
	assert.Equal(t, wire.KindResp, resp.Kind)
	assert.EqualValues(t, 11, resp.ReqID)
	assert.Equal(t, wire.SuccessWithData([]byte("OK")), resp.Payload)
}

func TestRecvCallRespOnUnknownResponderIDFails(t *testing.T) {
	target, _, _, _ := newTestExternal()
	err := target.RecvCallResp(999, wire.SuccessWithData(nil))
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestCallWriteFailureForgetsCallID(t *testing.T) {
	caller, _, _, _ := newTestExternal()
	target, _, _, _ := newTestExternal()
	target.writer = failingWriter{}

	err := target.Call(caller.Handle(), 1, shortname.Of("m"), nil)
	assert.Error(t, err)
	assert.Empty(t, target.callRecord)
	assert.Empty(t, caller.pendingCall)
}

type failingWriter struct{}

var errWriteFailed = errors.New("write failed")

func (failingWriter) WriteResponse(resp wire.Response) error {
	return errWriteFailed
}
