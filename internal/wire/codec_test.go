package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/minibus/internal/shortname"
)

func TestVaruintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 16383, 16384, 1<<32 - 1}
	for _, v := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteVaruint(&buf, v))
		got, err := ReadVaruint(&buf)
		require.NoError(t, err)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		ReqID:   7,
		Command: shortname.Of("PING"),
		Payload: []byte("hi"),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))
	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseRoundTripSuccess(t *testing.T) {
	resp := NewResp(7, Success())
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestResponseRoundTripSuccessWithData(t *testing.T) {
	resp := NewNext(9, SuccessWithData([]byte("payload")))
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestResponseRoundTripFailed(t *testing.T) {
	resp := NewCall(11, Failed("not allowned"))
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestUnknownResponseKindIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReqID(&buf, 1))
	buf.WriteString("XXXX")
	buf.WriteByte(0)
	_, err := ReadResponse(&buf)
	require.Error(t, err)
}

func TestUnknownPayloadTagIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReqID(&buf, 1))
	buf.WriteString("RESP")
	buf.WriteByte(0x42)
	_, err := ReadResponse(&buf)
	require.Error(t, err)
}

func TestShortTextRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteShortText(&buf, shortname.Of("")))
	got, err := ReadShortText(&buf)
	require.NoError(t, err)
	assert.Equal(t, shortname.Of(""), got)
}
