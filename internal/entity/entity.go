// Package entity implements the MiniBus capability-based entity model of
// §3/§4.6: the {Get,Set,Del,Keys,Call,UpdateName} capability set, access
// tags, and the per-connection ExternalEntity state machine.
package entity

import (
	"errors"

	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

// AccessTag governs read/write/enumeration on an entity's key/value store.
type AccessTag int

const (
	Private AccessTag = iota
	Protected
	Public
)

func (t AccessTag) String() string {
	switch t {
	case Private:
		return "private"
	case Protected:
		return "protected"
	case Public:
		return "public"
	default:
		return "unknown"
	}
}

// ParseAccessTag decodes the short_text spelling of an access tag, returning
// ErrUnexpected on anything else — the wire-visible spelling §7 preserves.
func ParseAccessTag(s shortname.Name) (AccessTag, error) {
	switch string(s) {
	case "private":
		return Private, nil
	case "protected":
		return Protected, nil
	case "public":
		return Public, nil
	default:
		return 0, ErrUnexpected
	}
}

// KeyTag pairs a stored key with its access tag, as returned by Keys.
type KeyTag struct {
	Name shortname.Name
	Tag  AccessTag
}

// cell is the internal representation of §3's ValueCell: value=Present=false
// means the key exists only to carry an ACL reservation.
type cell struct {
	value   []byte
	present bool
	tag     AccessTag
}

// Sentinel errors. Spellings are wire-visible protocol constants per §7 and
// must not be corrected, including "not allowned" and "unexcepted".
var (
	ErrNotFound       = errors.New("not found")
	ErrGetNotAllowed  = errors.New("not allowed")
	ErrWriteForbidden = errors.New("not allowned")
	ErrDuplicated     = errors.New("duplicated")
	ErrTooManyNames   = errors.New("too many names")
	ErrNoName         = errors.New("no name")
	ErrTargetNotFound = errors.New("target not found")
	ErrNotSupported   = errors.New("not supported")
	ErrUnknownCommand = errors.New("Unknown command")
	ErrUnexpected     = errors.New("unexcepted")
)

// Entity is the capability-based object every MiniBus participant exposes:
// ExternalEntity, Registry, and SharedStorage.
type Entity interface {
	// UpdateName is invoked by the registry after a successful name
	// registration; entities that don't care may no-op.
	UpdateName(name *shortname.Name)
	Get(sender Entity, key shortname.Name) (value []byte, present bool, err error)
	Set(sender Entity, key shortname.Name, value []byte) error
	Del(sender Entity, key shortname.Name) error
	Keys(sender Entity) ([]KeyTag, error)
	// Call invokes an RPC-style method on the entity. The default
	// implementation (embed Unsupported) returns ErrNotSupported.
	Call(sender *ReceiverHandle, reqID uint32, key shortname.Name, payload []byte) error
}

// Unsupported is embedded by entities (Registry, SharedStorage) that don't
// implement Call, giving them the default "not supported" behavior without
// repeating it at every call site.
type Unsupported struct{}

func (Unsupported) Call(sender *ReceiverHandle, reqID uint32, key shortname.Name, payload []byte) error {
	return ErrNotSupported
}

// EntityReceiver is the callback surface an RPC caller exposes so the
// responder can route a reply back: allocate/forget a responder id, and
// deliver the final payload.
type EntityReceiver interface {
	AssignCallIDs(reqID, resID uint32)
	RemoveCallID(resID uint32)
	CallResp(reqID uint32, payload wire.Payload)
}

// ReceiverHandle is a small, independently heap-allocated box around an
// EntityReceiver. It exists so a receiver can be held weakly: Go's
// weak.Pointer[T] tracks the liveness of a concrete *T, and an interface
// value has no stable address of its own, so every receiver owns a
// ReceiverHandle with the same lifetime as itself and hands out weak
// pointers to the handle rather than to the receiver interface value. This
// is the Go analogue of the original implementation's Weak<dyn
// EntityReceiver>.
type ReceiverHandle struct {
	Receiver EntityReceiver
}

// NewReceiverHandle wraps r in a handle suitable for weak registration.
func NewReceiverHandle(r EntityReceiver) *ReceiverHandle {
	return &ReceiverHandle{Receiver: r}
}
