package gateway

import (
	"bytes"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/eventkey"
	"github.com/ocx/minibus/internal/metrics"
	"github.com/ocx/minibus/internal/registry"
	"github.com/ocx/minibus/internal/shortname"
	"github.com/ocx/minibus/internal/wire"
)

// dispatcher carries the per-connection state a single request is
// dispatched against: the connection's own entity, the shared registry, and
// the two brokers.
type dispatcher struct {
	registry     *registry.Registry
	notifyBroker *broker.Broker[entity.External]
	eventBroker  *broker.Broker[entity.External]
	metrics      *metrics.Metrics
	self         *entity.External
	writer       *frameWriter
}

// dispatch handles one decoded Request and reports whether the connection
// should continue reading further requests.
func (d *dispatcher) dispatch(req wire.Request) bool {
	switch string(req.Command) {
	case "STOP":
		d.reply(req.ReqID, wire.Success())
		return false

	case "PING":
		d.reply(req.ReqID, wire.SuccessWithData(req.Payload))

	case "SET PRIVATE":
		key, data, err := readKeyAndBytes(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		d.self.SetPrivate(key, data, entity.Public)
		d.reply(req.ReqID, wire.Success())

	case "GET PRIVATE":
		key, err := readOneName(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		val, present, err := d.self.GetPrivate(key)
		d.reply(req.ReqID, toGetPayload(val, present, err))

	case "DEL PRIVATE":
		key, err := readOneName(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		d.reply(req.ReqID, toVoidPayload(d.self.DelPrivate(key)))

	case "ACL":
		key, tagName, err := readTwoNames(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		tag, err := entity.ParseAccessTag(tagName)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		d.reply(req.ReqID, toVoidPayload(d.self.SetACL(key, tag)))

	case "SET":
		target, key, data, err := readTargetKeyAndBytes(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ent, ok := d.registry.Find(target)
		if !ok {
			d.reply(req.ReqID, wire.Failed(entity.ErrTargetNotFound.Error()))
			return true
		}
		d.reply(req.ReqID, toVoidPayload(ent.Set(d.self, key, data)))

	case "GET":
		target, key, err := readTwoNames(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ent, ok := d.registry.Find(target)
		if !ok {
			d.reply(req.ReqID, wire.Failed(entity.ErrTargetNotFound.Error()))
			return true
		}
		val, present, err := ent.Get(d.self, key)
		d.reply(req.ReqID, toGetPayload(val, present, err))

	case "DEL":
		target, key, err := readTwoNames(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ent, ok := d.registry.Find(target)
		if !ok {
			d.reply(req.ReqID, wire.Failed(entity.ErrTargetNotFound.Error()))
			return true
		}
		d.reply(req.ReqID, toVoidPayload(ent.Del(d.self, key)))

	case "KEYS":
		target, err := readOneName(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ent, ok := d.registry.Find(target)
		if !ok {
			d.reply(req.ReqID, wire.Failed(entity.ErrTargetNotFound.Error()))
			return true
		}
		keys, err := ent.Keys(d.self)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		d.reply(req.ReqID, wire.SuccessWithData(encodeKeys(keys)))

	case "NOTIFY":
		key, data, err := readKeyAndBytes(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		name := d.self.Name()
		if name == nil {
			d.reply(req.ReqID, wire.Failed(entity.ErrNoName.Error()))
			return true
		}
		ek := eventkey.New(*name, key)
		d.notifyBroker.Send(ek, data, true, func(sub *entity.External, k eventkey.Key, v []byte, present bool) {
			sub.OnNotify(k, v, present)
		})
		if d.metrics != nil {
			d.metrics.BrokerFanoutTotal.WithLabelValues("notify").Inc()
		}
		d.reply(req.ReqID, wire.Success())

	case "LISTEN":
		target, key, err := readTwoNames(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ek := eventkey.New(target, key)
		d.self.RegisterNotify(ek, req.ReqID)
		d.reply(req.ReqID, wire.Success())

	case "OBSERVE":
		target, key, err := readTwoNames(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ek := eventkey.New(target, key)
		d.self.RegisterEvent(ek, req.ReqID)
		d.reply(req.ReqID, wire.Success())

	case "CALL":
		target, key, data, err := readTargetKeyAndBytes(req.Payload)
		if err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			return true
		}
		ent, ok := d.registry.Find(target)
		if !ok {
			d.reply(req.ReqID, wire.Failed(entity.ErrTargetNotFound.Error()))
			if d.metrics != nil {
				d.metrics.RPCCallsTotal.WithLabelValues("failed").Inc()
			}
			return true
		}
		if err := ent.Call(d.self.Handle(), req.ReqID, key, data); err != nil {
			d.reply(req.ReqID, wire.Failed(err.Error()))
			if d.metrics != nil {
				d.metrics.RPCCallsTotal.WithLabelValues("failed").Inc()
			}
			return true
		}
		if d.metrics != nil {
			d.metrics.RPCCallsTotal.WithLabelValues("forwarded").Inc()
		}
		// No RESP here: the reply arrives later via RESPONSE/EXCEPTION.

	case "RESPONSE":
		_ = d.self.RecvCallResp(req.ReqID, wire.SuccessWithData(req.Payload))

	case "EXCEPTION":
		_ = d.self.RecvCallResp(req.ReqID, wire.Failed(string(req.Payload)))

	default:
		d.reply(req.ReqID, wire.Failed(entity.ErrUnknownCommand.Error()))
		return false
	}
	return true
}

func (d *dispatcher) reply(reqID wire.ReqID, payload wire.Payload) {
	_ = d.writer.WriteResponse(wire.NewResp(reqID, payload))
}

func toVoidPayload(err error) wire.Payload {
	if err != nil {
		return wire.Failed(err.Error())
	}
	return wire.Success()
}

// toGetPayload implements the Get mapping: Some(bytes)→SuccessWithData,
// None→Success, error→Failed.
func toGetPayload(val []byte, present bool, err error) wire.Payload {
	if err != nil {
		return wire.Failed(err.Error())
	}
	if present {
		return wire.SuccessWithData(val)
	}
	return wire.Success()
}

func encodeKeys(keys []entity.KeyTag) []byte {
	var buf bytes.Buffer
	for _, k := range keys {
		_ = wire.WriteShortText(&buf, shortname.Of(k.Tag.String()))
		_ = wire.WriteShortText(&buf, k.Name)
	}
	return buf.Bytes()
}

func readOneName(payload []byte) (shortname.Name, error) {
	r := bytes.NewReader(payload)
	return wire.ReadShortText(r)
}

func readTwoNames(payload []byte) (shortname.Name, shortname.Name, error) {
	r := bytes.NewReader(payload)
	a, err := wire.ReadShortText(r)
	if err != nil {
		return "", "", err
	}
	b, err := wire.ReadShortText(r)
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

func readKeyAndBytes(payload []byte) (shortname.Name, []byte, error) {
	r := bytes.NewReader(payload)
	key, err := wire.ReadShortText(r)
	if err != nil {
		return "", nil, err
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return key, rest, nil
}

func readTargetKeyAndBytes(payload []byte) (shortname.Name, shortname.Name, []byte, error) {
	r := bytes.NewReader(payload)
	target, err := wire.ReadShortText(r)
	if err != nil {
		return "", "", nil, err
	}
	key, err := wire.ReadShortText(r)
	if err != nil {
		return "", "", nil, err
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return target, key, rest, nil
}
