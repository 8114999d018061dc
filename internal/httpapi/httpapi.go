// Package httpapi implements the optional HTTP/SSE gateway of §6: a thin
// REST view over the same registry and brokers the TCP gateway serves,
// routed with gorilla/mux the way the teacher's cmd/api wires its handlers.
package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/registry"
	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

// Handler wires the HTTP/SSE façade to a shared registry and broker pair.
type Handler struct {
	Registry     *registry.Registry
	NotifyBroker *broker.Broker[entity.External]
	EventBroker  *broker.Broker[entity.External]
	Logger       *slog.Logger

	// CallTimeout bounds how long POST map/:bucket/:key waits for a
	// RESPONSE/EXCEPTION before returning 504. Default 10s.
	CallTimeout time.Duration
}

// New builds a Handler with the default logger and a 10s call timeout.
func New(reg *registry.Registry, notifyBroker, eventBroker *broker.Broker[entity.External]) *Handler {
	return &Handler{
		Registry:     reg,
		NotifyBroker: notifyBroker,
		EventBroker:  eventBroker,
		Logger:       slog.Default(),
		CallTimeout:  10 * time.Second,
	}
}

// Mount registers every §6 route under base on router. base is the path
// prefix (e.g. "/"); routes below it are registered relative to base.
func (h *Handler) Mount(router *mux.Router, base string) {
	sub := router.PathPrefix(base).Subrouter()
	sub.HandleFunc("/ping", h.handlePing).Methods(http.MethodGet)
	sub.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods(http.MethodGet)
	sub.HandleFunc("/map/{bucket}", h.handleGetBucket).Methods(http.MethodGet)
	sub.HandleFunc("/map/{bucket}/{key}", h.handleGetKey).Methods(http.MethodGet)
	sub.HandleFunc("/map/{bucket}/{key}", h.handlePutKey).Methods(http.MethodPut)
	sub.HandleFunc("/map/{bucket}/{key}", h.handleDeleteKey).Methods(http.MethodDelete)
	sub.HandleFunc("/map/{bucket}/{key}", h.handlePostKey).Methods(http.MethodPost)
	sub.HandleFunc("/observe/{bucket}/{key}", h.handleStream(func(e *Handler) *broker.Broker[entity.External] { return e.EventBroker })).Methods(http.MethodGet)
	sub.HandleFunc("/listen/{bucket}/{key}", h.handleStream(func(e *Handler) *broker.Broker[entity.External] { return e.NotifyBroker })).Methods(http.MethodGet)
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "pong")
}

func accessTagFlag(tag entity.AccessTag) byte {
	switch tag {
	case entity.Private:
		return '!'
	case entity.Protected:
		return '-'
	default:
		return '+'
	}
}

// handleGetBucket implements "GET map/:bucket": the joined flag·name list,
// or HTTP 400 if the bucket doesn't resolve.
func (h *Handler) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.findBucket(w, r)
	if !ok {
		return
	}
	keys, err := bucket.Keys(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body := make([]byte, 0, len(keys)*8)
	for i, k := range keys {
		if i > 0 {
			body = append(body, 0)
		}
		body = append(body, accessTagFlag(k.Tag))
		body = append(body, k.Name.Bytes()...)
	}
	w.Write(body)
}

// handleGetKey implements "GET map/:bucket/:key": value bytes, or 204 if
// absent. Per the resolved open question, a present value is returned with
// status 400 rather than 200 — a byte-for-byte preserved deviation from the
// source this was ported from.
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.findBucket(w, r)
	if !ok {
		return
	}
	key := shortname.Of(mux.Vars(r)["key"])
	data, present, err := bucket.Get(nil, key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !present {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
	w.Write(data)
}

func (h *Handler) handlePutKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.findBucket(w, r)
	if !ok {
		return
	}
	key := shortname.Of(mux.Vars(r)["key"])
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := bucket.Set(nil, key, value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.findBucket(w, r)
	if !ok {
		return
	}
	key := shortname.Of(mux.Vars(r)["key"])
	if err := bucket.Del(nil, key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostKey implements "POST map/:bucket/:key": invoke call, await one
// response, translate its payload to an HTTP status/body.
func (h *Handler) handlePostKey(w http.ResponseWriter, r *http.Request) {
	bucket, ok := h.findBucket(w, r)
	if !ok {
		return
	}
	key := shortname.Of(mux.Vars(r)["key"])
	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recv := newCallReceiver()
	if err := bucket.Call(recv.handle, 0, key, value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout())
	defer cancel()
	select {
	case payload := <-recv.resp:
		switch payload.Tag {
		case wire.TagSuccess:
			w.WriteHeader(http.StatusNoContent)
		case wire.TagSuccessWithData:
			w.Write(payload.Data)
		default: // TagFailed
			http.Error(w, string(payload.Data), http.StatusBadRequest)
		}
	case <-ctx.Done():
		http.Error(w, "call timed out", http.StatusGatewayTimeout)
	}
}

func (h *Handler) callTimeout() time.Duration {
	if h.CallTimeout <= 0 {
		return 10 * time.Second
	}
	return h.CallTimeout
}

func (h *Handler) findBucket(w http.ResponseWriter, r *http.Request) (entity.Entity, bool) {
	name, err := shortname.New([]byte(mux.Vars(r)["bucket"]))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	ent, ok := h.Registry.Find(name)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	return ent, true
}

// handleStream returns a handler streaming an SSE response for
// observe/:bucket/:key or listen/:bucket/:key, picked by which of
// EventBroker/NotifyBroker pick selects.
func (h *Handler) handleStream(pick func(*Handler) *broker.Broker[entity.External]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.findBucket(w, r); !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		target := shortname.Of(mux.Vars(r)["bucket"])
		key := shortname.Of(mux.Vars(r)["key"])
		ek := eventkey.New(target, key)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := newSSESubscriber()
		pick(h).RegisterAlternative(ek, sub)

		flusher.Flush()
		for {
			select {
			case evt := <-sub.events:
				writeSSEEvent(w, evt)
				flusher.Flush()
			case <-r.Context().Done():
				sub.close()
				return
			}
		}
	}
}

type sseEvent struct {
	data    []byte
	present bool
}

// sseSubscriber is the Alternative implementation bridging a broker
// publication to one HTTP response's event stream.
type sseSubscriber struct {
	events chan sseEvent
	closed chan struct{}
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		events: make(chan sseEvent, 16),
		closed: make(chan struct{}),
	}
}

func (s *sseSubscriber) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Receive implements broker.Alternative: it reports false once the stream's
// HTTP request has ended, so Send stops delivering to it.
func (s *sseSubscriber) Receive(_ eventkey.Key, data []byte, present bool) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- sseEvent{data: append([]byte(nil), data...), present: present}:
		return true
	case <-s.closed:
		return false
	}
}

// writeSSEEvent formats one publication as the §6 SSE event: "null" on
// deletion, "text" for valid UTF-8, "base64" otherwise.
func writeSSEEvent(w io.Writer, evt sseEvent) {
	if !evt.present {
		fmt.Fprint(w, "event: null\ndata: \n\n")
		return
	}
	if utf8.Valid(evt.data) {
		fmt.Fprintf(w, "event: text\ndata: %s\n\n", evt.data)
		return
	}
	fmt.Fprintf(w, "event: base64\ndata: %s\n\n", base64.StdEncoding.EncodeToString(evt.data))
}

// callReceiver is the HTTP façade's EntityReceiver: a one-shot channel
// bridge so POST map/:bucket/:key can await exactly one CallResp the way
// the original webgateway's CallReceiver awaited a single channel send.
type callReceiver struct {
	handle *entity.ReceiverHandle
	resp   chan wire.Payload
}

func newCallReceiver() *callReceiver {
	c := &callReceiver{resp: make(chan wire.Payload, 1)}
	c.handle = entity.NewReceiverHandle(c)
	return c
}

func (c *callReceiver) AssignCallIDs(reqID, resID uint32) {}
func (c *callReceiver) RemoveCallID(resID uint32)         {}

func (c *callReceiver) CallResp(reqID uint32, payload wire.Payload) {
	select {
	case c.resp <- payload:
	default:
	}
}
