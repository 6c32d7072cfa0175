package mtproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/tl"
)

// maxUnpackedSize limits gzip_packed payloads.
const maxUnpackedSize = 16 << 20

func serializeBoxed(v tl.Serializable) ([]byte, error) {
	return tl.Serialize(v, true)
}

func wrapInitConnection(p *InitConnectionParams, query []byte) ([]byte, error) {
	inner, err := serializeBoxed(InitConnection{
		APIID:          p.APIID,
		DeviceModel:    p.DeviceModel,
		SystemVersion:  p.SystemVersion,
		AppVersion:     p.AppVersion,
		SystemLangCode: p.SystemLangCode,
		LangPack:       p.LangPack,
		LangCode:       p.LangCode,
		Proxy:          p.Proxy,
		Query:          query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize initConnection: %w", err)
	}

	data, err := serializeBoxed(InvokeWithLayer{Layer: p.Layer, Query: inner})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize invokeWithLayer: %w", err)
	}
	return data, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip_packed: %w", ErrMalformedWire, err)
	}
	defer r.Close()

	res, err := io.ReadAll(io.LimitReader(r, maxUnpackedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip_packed: %w", ErrMalformedWire, err)
	}
	if len(res) > maxUnpackedSize {
		return nil, fmt.Errorf("%w: gzip_packed is too big", ErrMalformedWire)
	}
	return res, nil
}

func (c *Connection) handlePacket(packet []byte) {
	if len(packet) < 8 {
		c.log.Warn("too short packet, dropping", zap.Int("len", len(packet)))
		return
	}

	c.mx.Lock()
	defer c.unlock()

	if c.closed || c.status == StatusFailed {
		return
	}

	if binary.LittleEndian.Uint64(packet) == 0 {
		_, body, err := parsePlainMessage(packet)
		if err != nil {
			c.log.Warn("bad unencrypted message, dropping", zap.Error(err))
			return
		}
		c.handleHandshakeLocked(body)
		return
	}

	if !c.hasKey {
		c.log.Warn("encrypted message without auth key, dropping")
		return
	}

	plain, err := c.key.Decrypt(packet, crypto.ServerToClient)
	if err != nil {
		if errors.Is(err, crypto.ErrMessageKeyMismatch) {
			err = fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		c.log.Warn("failed to decrypt message, dropping", zap.Error(err))
		return
	}

	msg, err := c.openLocked(plain)
	if err != nil {
		c.log.Warn("invalid message, dropping", zap.Error(err))
		return
	}
	c.processMessageLocked(msg)
}

// openLocked validates the decrypted envelope and returns the message in it.
func (c *Connection) openLocked(plain []byte) (Message, error) {
	if len(plain) < 32 {
		return Message{}, fmt.Errorf("%w: message is too short", ErrMalformedWire)
	}

	if sid := binary.LittleEndian.Uint64(plain[8:]); sid != c.session.ID {
		return Message{}, fmt.Errorf("message for session %d, current %d", sid, c.session.ID)
	}

	msg := Message{
		ID:    binary.LittleEndian.Uint64(plain[16:]),
		SeqNo: binary.LittleEndian.Uint32(plain[24:]),
	}
	if msg.ID&1 == 0 {
		return Message{}, fmt.Errorf("server message id %d is even", msg.ID)
	}

	sz := int(binary.LittleEndian.Uint32(plain[28:]))
	if sz%4 != 0 || sz > len(plain)-32 {
		return Message{}, fmt.Errorf("%w: invalid message length %d", ErrMalformedWire, sz)
	}
	if pad := len(plain) - 32 - sz; pad < 12 || pad > 1024 {
		return Message{}, fmt.Errorf("%w: invalid padding length %d", ErrMalformedWire, pad)
	}

	msg.Body = plain[32 : 32+sz]
	return msg, nil
}

func (c *Connection) processMessageLocked(msg Message) {
	if msg.SeqNo&1 == 1 {
		c.ackLocked(msg.ID)
	}
	c.dispatchLocked(msg.ID, msg.Body)
}

// ackLocked queues msgID for the next msgs_ack, a full batch is sent at once.
func (c *Connection) ackLocked(msgID uint64) {
	c.acks = append(c.acks, msgID)
	if len(c.acks) >= c.opts.ackBatchSize {
		c.flushAcksLocked()
	}
}

func (c *Connection) dispatchLocked(msgID uint64, body []byte) {
	id, err := tl.PeekConstructor(body)
	if err != nil {
		c.log.Warn("empty message body", zap.Uint64("msg_id", msgID))
		return
	}

	log := c.log.With(zap.Uint64("msg_id", msgID), zap.String("type", tl.NameOf(id)))

	parse := func(v tl.Serializable) bool {
		if _, err := tl.Parse(v, body, true); err != nil {
			log.Warn("failed to parse service message", zap.Error(err))
			return false
		}
		return true
	}

	switch id {
	case MsgContainerID:
		var cont MsgContainer
		if !parse(&cont) {
			return
		}
		for _, m := range cont.Messages {
			c.processMessageLocked(m)
		}
	case GzipPackedID:
		var packed GzipPacked
		if !parse(&packed) {
			return
		}
		data, err := gunzip(packed.PackedData)
		if err != nil {
			log.Warn("failed to unpack message", zap.Error(err))
			return
		}
		c.dispatchLocked(msgID, data)
	case RPCResultID:
		var res RPCResult
		if !parse(&res) {
			return
		}
		c.handleResultLocked(&res)
	case NewSessionCreatedID:
		var ns NewSessionCreated
		if !parse(&ns) {
			return
		}
		c.session.Salt = ns.ServerSalt
		c.saveLocked()
		log.Debug("new session created", zap.Uint64("first_msg_id", ns.FirstMsgID))
	case BadServerSaltID:
		var bs BadServerSalt
		if !parse(&bs) {
			return
		}
		c.session.Salt = bs.NewServerSalt
		c.saveLocked()

		log.Debug("server salt changed", zap.Uint64("bad_msg_id", bs.BadMsgID))
		if op := c.active[bs.BadMsgID]; op != nil {
			delete(c.active, bs.BadMsgID)
			c.sendOpLocked(op)
		}
	case BadMsgNotificationID:
		var bm BadMsgNotification
		if !parse(&bm) {
			return
		}
		c.handleBadMsgLocked(msgID, &bm)
	case PongID:
		var pong Pong
		if !parse(&pong) {
			return
		}
		if pong.MsgID == c.pingID {
			c.pingID = 0
		}
		c.resolveLocked(pong.MsgID, body)
	case FutureSaltsID:
		var fs FutureSalts
		if !parse(&fs) {
			return
		}
		c.resolveLocked(fs.ReqMsgID, body)
	case MsgsStateInfoID:
		var si MsgsStateInfo
		if !parse(&si) {
			return
		}
		c.resolveLocked(si.ReqMsgID, body)
	case MsgDetailedInfoID:
		var di MsgDetailedInfo
		if !parse(&di) {
			return
		}
		c.ackLocked(di.AnswerMsgID)
	case MsgNewDetailedInfoID:
		var di MsgNewDetailedInfo
		if !parse(&di) {
			return
		}
		c.ackLocked(di.AnswerMsgID)
	case MsgsAckID, MsgsAllInfoID, MsgResendReqID, DestroySessionOkID, DestroySessionNoneID:
		log.Debug("service message")
	default:
		if h := c.opts.onUpdate; h != nil {
			spec := c.spec
			data := append([]byte{}, body...)
			c.after(func() {
				h(spec, data)
			})
			return
		}
		log.Debug("unhandled message")
	}
}

func (c *Connection) resolveLocked(reqMsgID uint64, reply []byte) {
	op := c.active[reqMsgID]
	if op == nil {
		return
	}
	delete(c.active, reqMsgID)
	op.resolve(append([]byte{}, reply...), nil)
}

func (c *Connection) handleResultLocked(res *RPCResult) {
	op := c.active[res.ReqMsgID]
	if op == nil {
		c.log.Debug("result for unknown request", zap.Uint64("req_msg_id", res.ReqMsgID))
		return
	}
	delete(c.active, res.ReqMsgID)

	result := res.Result
	if id, _ := tl.PeekConstructor(result); id == GzipPackedID {
		var packed GzipPacked
		if _, err := tl.Parse(&packed, result, true); err != nil {
			op.resolve(nil, err)
			return
		}

		var err error
		if result, err = gunzip(packed.PackedData); err != nil {
			op.resolve(nil, err)
			return
		}
	}

	if id, _ := tl.PeekConstructor(result); id == RPCErrorID {
		var e RPCErrorTL
		if _, err := tl.Parse(&e, result, true); err != nil {
			op.resolve(nil, err)
			return
		}

		rerr := NewRPCError(e.Code, e.Message)
		if rerr.IsRedirect() && c.onRedirect != nil && op.markRedirected() {
			c.log.Debug("request redirected", zap.Uint64("req_msg_id", res.ReqMsgID), zap.String("error", rerr.Message))
			redirect := c.onRedirect
			c.after(func() {
				redirect(op, rerr)
			})
			return
		}
		op.resolve(nil, rerr)
		return
	}

	c.delta = DeltaTimeOk
	op.resolve(result, nil)
}

// handleBadMsgLocked resends a request rejected for its msg_id time,
// any other notification is final for the request.
func (c *Connection) handleBadMsgLocked(serverMsgID uint64, n *BadMsgNotification) {
	op := c.active[n.BadMsgID]

	switch n.Code {
	case 16, 17:
		prev := c.delta
		c.delta = correctDelta(c.delta, n.Code == 16, c.ids, serverMsgID)
		c.log.Info("message id time corrected",
			zap.Stringer("from", prev), zap.Stringer("to", c.delta), zap.Int64("delta_ms", c.ids.Delta()))

		if op == nil {
			return
		}
		delete(c.active, n.BadMsgID)

		if op.resends >= maxDeltaResends {
			op.resolve(nil, fmt.Errorf("%w: state %s", ErrDeltaTimeDrift, c.delta))
			return
		}
		op.resends++
		c.sendOpLocked(op)
	default:
		err := &BadMessageError{Code: n.Code, MsgID: n.BadMsgID}
		if op == nil {
			c.log.Warn("bad message notification", zap.Error(err))
			return
		}
		delete(c.active, n.BadMsgID)
		op.resolve(nil, err)
	}
}

func (c *Connection) flushAcksLocked() {
	if len(c.acks) == 0 || (c.status != StatusHasDHKey && c.status != StatusSigned) {
		return
	}

	body, err := serializeBoxed(MsgsAck{MsgIDs: c.acks})
	if err != nil {
		c.log.Warn("failed to serialize acks", zap.Error(err))
		return
	}
	c.acks = nil

	if _, err = c.sendServiceLocked(body, false); err != nil {
		c.log.Warn("failed to send acks", zap.Error(err))
	}
}
