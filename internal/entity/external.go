package entity

import (
	"bytes"
	"math/rand"
	"sync"
	"weak"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

// FrameWriter is the subset of a connection an External needs to push
// unsolicited frames (NEXT notifications, CALL invocations) to its client.
type FrameWriter interface {
	WriteResponse(resp wire.Response) error
}

// External is the per-connection entity backing a client's registered name:
// the Go analogue of the original implementation's ExternalEntity. It owns
// a private key/value store, the client's RPC call bookkeeping, and its
// event/notify subscriptions.
type External struct {
	handle *ReceiverHandle
	writer FrameWriter

	notifyBroker *broker.Broker[External]
	eventBroker  *broker.Broker[External]

	mu   sync.Mutex
	name *shortname.Name
	kv   map[shortname.Name]cell

	// pendingCall maps a responder id this entity received via
	// AssignCallIDs (as the caller of some other entity's Call) back to the
	// reqid its own client is waiting on. Populated on the caller side.
	pendingCall map[uint32]uint32
	// callRecord maps a responder id this entity allocated (as the target
	// of a Call) to a weak reference to the caller's receiver handle, so a
	// RESPONSE/EXCEPTION arriving on this connection can be routed back
	// without keeping the caller alive; if the caller has since gone, the
	// reply is dropped. Populated on the responder side.
	callRecord map[uint32]weak.Pointer[ReceiverHandle]

	notifySubscribe map[eventkey.Key]uint32
	eventSubscribe  map[eventkey.Key]uint32
}

// New creates an External bound to the given notify/event brokers and
// connection writer. The returned entity is its own EntityReceiver: its
// ReceiverHandle.Receiver is itself, so RPC peers can hold a weak reference
// to e via e.Handle() without keeping e alive on their own.
func New(writer FrameWriter, notifyBroker, eventBroker *broker.Broker[External]) *External {
	e := &External{
		writer:          writer,
		notifyBroker:    notifyBroker,
		eventBroker:     eventBroker,
		kv:              make(map[shortname.Name]cell),
		pendingCall:     make(map[uint32]uint32),
		callRecord:      make(map[uint32]weak.Pointer[ReceiverHandle]),
		notifySubscribe: make(map[eventkey.Key]uint32),
		eventSubscribe:  make(map[eventkey.Key]uint32),
	}
	e.handle = NewReceiverHandle(e)
	return e
}

// Handle returns e's ReceiverHandle for registration as an RPC caller.
func (e *External) Handle() *ReceiverHandle { return e.handle }

// Name reports the entity's currently bound registry name, if any.
func (e *External) Name() *shortname.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// UpdateName implements Entity: the registry calls this after successfully
// binding or unbinding a name.
func (e *External) UpdateName(name *shortname.Name) {
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
}

// Get implements Entity's remote read path: Public and Protected keys are
// both readable remotely; only Private keys return ErrGetNotAllowed.
func (e *External) Get(sender Entity, key shortname.Name) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.kv[key]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.tag == Private {
		return nil, false, ErrGetNotAllowed
	}
	return c.value, c.present, nil
}

// Set implements Entity's remote write path: only Public keys accept a
// remote write. A successful write publishes on the entity's event broker.
func (e *External) Set(sender Entity, key shortname.Name, value []byte) error {
	e.mu.Lock()
	c, ok := e.kv[key]
	if ok && c.tag != Public {
		e.mu.Unlock()
		return ErrWriteForbidden
	}
	e.kv[key] = cell{value: value, present: true, tag: Public}
	name := e.name
	e.mu.Unlock()

	e.publishEvent(name, key, value, true)
	return nil
}

// Del implements Entity's remote delete path: only Public keys accept a
// remote delete. The deletion is published to subscribers as data=nil,
// present=false.
func (e *External) Del(sender Entity, key shortname.Name) error {
	e.mu.Lock()
	c, ok := e.kv[key]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if c.tag != Public {
		e.mu.Unlock()
		return ErrWriteForbidden
	}
	delete(e.kv, key)
	name := e.name
	e.mu.Unlock()

	e.publishEvent(name, key, nil, false)
	return nil
}

// Keys implements Entity: it enumerates only Public keys, the set a remote
// caller is permitted to discover.
func (e *External) Keys(sender Entity) ([]KeyTag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]KeyTag, 0, len(e.kv))
	for k, c := range e.kv {
		if c.tag == Public {
			out = append(out, KeyTag{Name: k, Tag: c.tag})
		}
	}
	return out, nil
}

// SetPrivate sets a key with an explicit access tag, bypassing the
// Public-only rule Set enforces — this is the client's own local write
// path, invoked only for the connection's own entity.
func (e *External) SetPrivate(key shortname.Name, value []byte, tag AccessTag) {
	e.mu.Lock()
	e.kv[key] = cell{value: value, present: true, tag: tag}
	name := e.name
	e.mu.Unlock()
	if tag == Public {
		e.publishEvent(name, key, value, true)
	}
}

// GetPrivate reads a key regardless of tag — the owning client can always
// read its own store.
func (e *External) GetPrivate(key shortname.Name) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.kv[key]
	if !ok {
		return nil, false, ErrNotFound
	}
	return c.value, c.present, nil
}

// DelPrivate deletes a key regardless of tag, as the owning client.
func (e *External) DelPrivate(key shortname.Name) error {
	e.mu.Lock()
	c, ok := e.kv[key]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	delete(e.kv, key)
	name := e.name
	e.mu.Unlock()
	if c.tag == Public {
		e.publishEvent(name, key, nil, false)
	}
	return nil
}

// SetACL changes the access tag of key without altering its value. If the key
// has never been set, it creates a value-less reservation carrying tag.
func (e *External) SetACL(key shortname.Name, tag AccessTag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.kv[key]
	c.tag = tag
	e.kv[key] = c
	return nil
}

func (e *External) publishEvent(name *shortname.Name, key shortname.Name, data []byte, present bool) {
	if name == nil || e.eventBroker == nil {
		return
	}
	ek := eventkey.New(*name, key)
	e.eventBroker.Send(ek, data, present, func(sub *External, k eventkey.Key, d []byte, p bool) {
		sub.OnEvent(k, d, p)
	})
}

// RegisterNotify subscribes e to NOTIFY publications under key and
// remembers reqID so OnNotify can reply on the same client-visible stream.
func (e *External) RegisterNotify(key eventkey.Key, reqID uint32) {
	e.mu.Lock()
	e.notifySubscribe[key] = reqID
	e.mu.Unlock()
	e.notifyBroker.Register(e, key)
}

// RegisterEvent subscribes e to value events under key and remembers reqID
// so OnEvent can reply on the same client-visible stream.
func (e *External) RegisterEvent(key eventkey.Key, reqID uint32) {
	e.mu.Lock()
	e.eventSubscribe[key] = reqID
	e.mu.Unlock()
	e.eventBroker.Register(e, key)
}

// OnNotify is the broker.Deliver callback invoked for a NOTIFY publication;
// it writes a NEXT frame carrying the changed value on the subscription's
// original reqid.
func (e *External) OnNotify(key eventkey.Key, data []byte, present bool) {
	e.deliverNext(e.notifySubscribe, key, data, present)
}

// OnEvent is the broker.Deliver callback invoked for an event publication.
func (e *External) OnEvent(key eventkey.Key, data []byte, present bool) {
	e.deliverNext(e.eventSubscribe, key, data, present)
}

func (e *External) deliverNext(subs map[eventkey.Key]uint32, key eventkey.Key, data []byte, present bool) {
	e.mu.Lock()
	reqID, ok := subs[key]
	e.mu.Unlock()
	if !ok || e.writer == nil {
		return
	}
	payload := wire.Success()
	if present {
		payload = wire.SuccessWithData(data)
	}
	_ = e.writer.WriteResponse(wire.NewNext(reqID, payload))
}

// Call implements Entity's RPC invocation path. It runs on the *target*
// entity: it allocates a responder id unique to itself, records a weak
// reference to the caller so a later RESPONSE/EXCEPTION on this connection
// can be routed back, tells the caller to remember the id mapping via
// AssignCallIDs, and pushes a CALL frame to this entity's own client whose
// reqid is the new responder id and whose payload is short_text(key) ·
// raw(payload).
func (e *External) Call(sender *ReceiverHandle, reqID uint32, key shortname.Name, payload []byte) error {
	if e.writer == nil {
		return ErrNotSupported
	}
	resID := e.reserveResponderID(sender)

	if sender != nil {
		sender.Receiver.AssignCallIDs(reqID, resID)
	}

	var body bytes.Buffer
	if err := wire.WriteShortText(&body, key); err != nil {
		return err
	}
	body.Write(payload)

	frame := wire.NewCall(resID, wire.SuccessWithData(body.Bytes()))
	if err := e.writer.WriteResponse(frame); err != nil {
		e.mu.Lock()
		delete(e.callRecord, resID)
		e.mu.Unlock()
		if sender != nil {
			sender.Receiver.RemoveCallID(resID)
		}
		return err
	}
	return nil
}

// reserveResponderID allocates a responder id not currently in use on this
// entity's call_record and records the weak caller reference under it.
func (e *External) reserveResponderID(sender *ReceiverHandle) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		id := rand.Uint32()
		if _, used := e.callRecord[id]; used {
			continue
		}
		var ptr weak.Pointer[ReceiverHandle]
		if sender != nil {
			ptr = weak.Make(sender)
		}
		e.callRecord[id] = ptr
		return id
	}
}

// AssignCallIDs implements EntityReceiver. It runs on the *caller* entity:
// resID was allocated by the responder and is handed back here so a later
// CallResp(resID, ...) can be translated to the reqID this entity's own
// client is waiting on.
func (e *External) AssignCallIDs(reqID, resID uint32) {
	e.mu.Lock()
	e.pendingCall[resID] = reqID
	e.mu.Unlock()
}

// RemoveCallID implements EntityReceiver. It runs on the *caller* entity,
// forgetting a responder id after the responder failed to forward the CALL
// frame.
func (e *External) RemoveCallID(resID uint32) {
	e.mu.Lock()
	delete(e.pendingCall, resID)
	e.mu.Unlock()
}

// CallResp implements EntityReceiver. It runs on the *caller* entity: it
// looks up pending_call[resID] for the original reqid and, if present,
// emits a RESP frame on this entity's own connection.
func (e *External) CallResp(resID uint32, payload wire.Payload) {
	e.mu.Lock()
	reqID, ok := e.pendingCall[resID]
	delete(e.pendingCall, resID)
	e.mu.Unlock()
	if !ok || e.writer == nil {
		return
	}
	_ = e.writer.WriteResponse(wire.NewResp(reqID, payload))
}

// RecvCallResp handles a RESPONSE/EXCEPTION command arriving on this
// entity's own connection. It runs on the *target* (responder) entity: it
// looks up the weak caller recorded under resID in call_record and, if it
// is still live, forwards the payload via the caller's CallResp.
func (e *External) RecvCallResp(resID uint32, payload wire.Payload) error {
	e.mu.Lock()
	ptr, ok := e.callRecord[resID]
	delete(e.callRecord, resID)
	e.mu.Unlock()
	if !ok {
		return ErrTargetNotFound
	}
	if handle := ptr.Value(); handle != nil {
		handle.Receiver.CallResp(resID, payload)
	}
	return nil
}
