// Package wire implements the MiniBus binary frame codec: the little-endian
// request id, the length-prefixed short_text, the varuint-prefixed binary
// blob, and the Request/Response frame shapes of §4.1.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ocx/minibus/internal/shortname"
)

// ReqID is the little-endian u32 request identifier shared by Request and
// Response frames.
type ReqID = uint32

// ReadReqID reads the 4-byte little-endian request id.
func ReadReqID(r io.Reader) (ReqID, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteReqID writes the 4-byte little-endian request id.
func WriteReqID(w io.Writer, id ReqID) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	_, err := w.Write(buf[:])
	return err
}

// ReadShortText decodes a one-length-byte-prefixed UTF-8 string.
func ReadShortText(r io.Reader) (shortname.Name, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int(lenBuf[0])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return shortname.New(buf)
}

// WriteShortText encodes a short_text: one length byte then the bytes.
func WriteShortText(w io.Writer, n shortname.Name) error {
	if n.Len() > shortname.MaxLen {
		return fmt.Errorf("wire: short_text too long: %d", n.Len())
	}
	if _, err := w.Write([]byte{byte(n.Len())}); err != nil {
		return err
	}
	if n.Len() == 0 {
		return nil
	}
	_, err := w.Write(n.Bytes())
	return err
}

// ReadVaruint decodes a base-128 varuint: the high bit (0x80) of each byte is
// a continuation flag, and the low 7 bits are shifted into position, least
// significant group first.
func ReadVaruint(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		result |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("wire: varuint too long")
		}
	}
}

// WriteVaruint encodes a base-128 varuint.
func WriteVaruint(w io.Writer, val uint64) error {
	for {
		if val < 0x80 {
			_, err := w.Write([]byte{byte(val)})
			return err
		}
		b := byte(val&0x7f) | 0x80
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
		val >>= 7
	}
}

// ReadBinary decodes a varuint-length-prefixed byte blob.
func ReadBinary(r io.Reader) ([]byte, error) {
	n, err := ReadVaruint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WriteBinary encodes a varuint-length-prefixed byte blob.
func WriteBinary(w io.Writer, data []byte) error {
	if err := WriteVaruint(w, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// Request is a client-to-server frame: reqid · command · payload.
type Request struct {
	ReqID   ReqID
	Command shortname.Name
	Payload []byte
}

// ReadRequest decodes a Request frame.
func ReadRequest(r io.Reader) (Request, error) {
	id, err := ReadReqID(r)
	if err != nil {
		return Request{}, err
	}
	cmd, err := ReadShortText(r)
	if err != nil {
		return Request{}, err
	}
	payload, err := ReadBinary(r)
	if err != nil {
		return Request{}, err
	}
	return Request{ReqID: id, Command: cmd, Payload: payload}, nil
}

// WriteRequest encodes a Request frame.
func WriteRequest(w io.Writer, req Request) error {
	if err := WriteReqID(w, req.ReqID); err != nil {
		return err
	}
	if err := WriteShortText(w, req.Command); err != nil {
		return err
	}
	return WriteBinary(w, req.Payload)
}

// ResponseKind is the 4-ASCII-byte response frame discriminator.
type ResponseKind uint8

const (
	KindResp ResponseKind = iota
	KindNext
	KindCall
)

func (k ResponseKind) bytes() []byte {
	switch k {
	case KindResp:
		return []byte("RESP")
	case KindNext:
		return []byte("NEXT")
	case KindCall:
		return []byte("CALL")
	default:
		panic("wire: invalid ResponseKind")
	}
}

func (k ResponseKind) String() string {
	return string(k.bytes())
}

func readResponseKind(r io.Reader) (ResponseKind, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	switch string(buf[:]) {
	case "RESP":
		return KindResp, nil
	case "NEXT":
		return KindNext, nil
	case "CALL":
		return KindCall, nil
	default:
		return 0, fmt.Errorf("wire: unknown response kind %q", buf[:])
	}
}

// PayloadTag is the single-byte ResponsePayload discriminator.
type PayloadTag byte

const (
	TagSuccess         PayloadTag = 0x00
	TagSuccessWithData PayloadTag = 0x01
	TagFailed          PayloadTag = 0xFF
)

// Payload is the tagged union §4.1 calls ResponsePayload: Success,
// SuccessWithData(bytes), or Failed(bytes).
type Payload struct {
	Tag  PayloadTag
	Data []byte // unused when Tag == TagSuccess
}

// Success builds a tag-only success payload.
func Success() Payload { return Payload{Tag: TagSuccess} }

// SuccessWithData builds a success payload carrying bytes.
func SuccessWithData(data []byte) Payload {
	return Payload{Tag: TagSuccessWithData, Data: data}
}

// Failed builds a failure payload carrying a UTF-8 error message.
func Failed(msg string) Payload {
	return Payload{Tag: TagFailed, Data: []byte(msg)}
}

func readPayload(r io.Reader) (Payload, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Payload{}, err
	}
	switch PayloadTag(tagBuf[0]) {
	case TagSuccess:
		return Payload{Tag: TagSuccess}, nil
	case TagSuccessWithData:
		data, err := ReadBinary(r)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Tag: TagSuccessWithData, Data: data}, nil
	case TagFailed:
		data, err := ReadBinary(r)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Tag: TagFailed, Data: data}, nil
	default:
		return Payload{}, fmt.Errorf("wire: unknown payload tag 0x%02x", tagBuf[0])
	}
}

func writePayload(w io.Writer, p Payload) error {
	if _, err := w.Write([]byte{byte(p.Tag)}); err != nil {
		return err
	}
	switch p.Tag {
	case TagSuccess:
		return nil
	case TagSuccessWithData, TagFailed:
		return WriteBinary(w, p.Data)
	default:
		return fmt.Errorf("wire: invalid payload tag 0x%02x", p.Tag)
	}
}

// Response is a server-to-client frame: reqid · kind · payload.
type Response struct {
	ReqID   ReqID
	Kind    ResponseKind
	Payload Payload
}

// NewResp builds a RESP frame.
func NewResp(id ReqID, p Payload) Response { return Response{ReqID: id, Kind: KindResp, Payload: p} }

// NewNext builds a NEXT frame.
func NewNext(id ReqID, p Payload) Response { return Response{ReqID: id, Kind: KindNext, Payload: p} }

// NewCall builds a CALL frame.
func NewCall(id ReqID, p Payload) Response { return Response{ReqID: id, Kind: KindCall, Payload: p} }

// ReadResponse decodes a Response frame.
func ReadResponse(r io.Reader) (Response, error) {
	id, err := ReadReqID(r)
	if err != nil {
		return Response{}, err
	}
	kind, err := readResponseKind(r)
	if err != nil {
		return Response{}, err
	}
	payload, err := readPayload(r)
	if err != nil {
		return Response{}, err
	}
	return Response{ReqID: id, Kind: kind, Payload: payload}, nil
}

// WriteResponse encodes a Response frame.
func WriteResponse(w io.Writer, resp Response) error {
	if err := WriteReqID(w, resp.ReqID); err != nil {
		return err
	}
	if _, err := w.Write(resp.Kind.bytes()); err != nil {
		return err
	}
	return writePayload(w, resp.Payload)
}
