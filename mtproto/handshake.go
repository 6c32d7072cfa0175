package mtproto

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/tl"
)

type HandshakeState int

const (
	HandshakeIdle HandshakeState = iota
	HandshakePQRequested
	HandshakeDHParamsRequested
	HandshakeDHGenerated
	HandshakeKeySet
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakePQRequested:
		return "pq requested"
	case HandshakeDHParamsRequested:
		return "dh params requested"
	case HandshakeDHGenerated:
		return "dh generated"
	case HandshakeKeySet:
		return "key set"
	case HandshakeFailed:
		return "failed"
	}
	return "unknown"
}

// HandshakeResult is available once the handshake reaches HandshakeKeySet.
type HandshakeResult struct {
	Key  crypto.AuthKey
	Salt uint64
	// TimeOffset is server time minus local time.
	TimeOffset time.Duration
}

// Handshake creates an auth key with a DC. It only builds and consumes
// message bodies, unencrypted framing is done by the caller.
type Handshake struct {
	state HandshakeState
	dc    int
	keys  []*crypto.PublicKey
	rand  io.Reader
	now   func() time.Time
	log   *zap.Logger

	nonce       [16]byte
	serverNonce [16]byte
	newNonce    [32]byte
	tmpKey      [32]byte
	tmpIV       [32]byte

	key        crypto.AuthKey
	timeOffset time.Duration
	result     *HandshakeResult
}

// NewHandshake prepares a handshake. dc is the value sent in p_q_inner_data_dc,
// negative for media DCs.
func NewHandshake(dc int, keys []*crypto.PublicKey, rnd io.Reader, log *zap.Logger) *Handshake {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handshake{
		dc:   dc,
		keys: keys,
		rand: rnd,
		now:  time.Now,
		log:  log.Named("handshake").With(zap.Int("dc", dc)),
	}
}

func (h *Handshake) State() HandshakeState {
	return h.state
}

// Result returns the created key, only after the handshake is done.
func (h *Handshake) Result() (*HandshakeResult, bool) {
	if h.state != HandshakeKeySet {
		return nil, false
	}
	return h.result, true
}

// Start returns the first message of the exchange.
func (h *Handshake) Start() ([]byte, error) {
	if h.state != HandshakeIdle {
		return nil, h.fail(fmt.Errorf("handshake already started, state %s", h.state))
	}

	if _, err := io.ReadFull(h.rand, h.nonce[:]); err != nil {
		return nil, h.fail(fmt.Errorf("failed to generate nonce: %w", err))
	}

	data, err := tl.Serialize(ReqPQMulti{Nonce: h.nonce}, true)
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = HandshakePQRequested
	h.log.Debug("pq requested")
	return data, nil
}

// Handle consumes a server message and returns the next message to send.
// Nil message with nil error means the key is set.
func (h *Handshake) Handle(body []byte) ([]byte, error) {
	var msg any
	if _, err := tl.Parse(&msg, body, true); err != nil {
		return nil, h.fail(fmt.Errorf("failed to parse server message: %w", err))
	}

	switch h.state {
	case HandshakePQRequested:
		res, ok := msg.(ResPQ)
		if !ok {
			return nil, h.fail(fmt.Errorf("unexpected %T, want resPQ", msg))
		}
		return h.handleResPQ(&res)
	case HandshakeDHParamsRequested:
		switch m := msg.(type) {
		case ServerDHParamsOk:
			return h.handleDHParams(&m)
		case ServerDHParamsFail:
			return nil, h.fail(errors.New("server failed to provide dh params"))
		}
		return nil, h.fail(fmt.Errorf("unexpected %T, want server dh params", msg))
	case HandshakeDHGenerated:
		switch m := msg.(type) {
		case DHGenOk:
			return nil, h.handleGenOk(&m)
		case DHGenRetry:
			return nil, h.fail(errors.New("server asked to retry dh generation"))
		case DHGenFail:
			return nil, h.fail(errors.New("server failed dh generation"))
		}
		return nil, h.fail(fmt.Errorf("unexpected %T, want dh gen answer", msg))
	}
	return nil, h.fail(fmt.Errorf("unexpected message in state %s", h.state))
}

func (h *Handshake) handleResPQ(res *ResPQ) ([]byte, error) {
	if res.Nonce != h.nonce {
		return nil, h.fail(errors.New("nonce mismatch in resPQ"))
	}
	h.serverNonce = res.ServerNonce

	if len(res.PQ) > 8 {
		return nil, h.fail(fmt.Errorf("pq is too big: %d bytes", len(res.PQ)))
	}
	pq := new(big.Int).SetBytes(res.PQ).Uint64()

	p, q, err := crypto.FactorizePQ(pq)
	if err != nil {
		return nil, h.fail(err)
	}

	key := h.selectKey(res.Fingerprints)
	if key == nil {
		return nil, h.fail(fmt.Errorf("%w for fingerprints %x", crypto.ErrNoPublicKeys, res.Fingerprints))
	}

	if _, err = io.ReadFull(h.rand, h.newNonce[:]); err != nil {
		return nil, h.fail(fmt.Errorf("failed to generate new nonce: %w", err))
	}

	pBytes := new(big.Int).SetUint64(p).Bytes()
	qBytes := new(big.Int).SetUint64(q).Bytes()

	inner, err := tl.Serialize(PQInnerDataDC{
		PQ:          res.PQ,
		P:           pBytes,
		Q:           qBytes,
		Nonce:       h.nonce,
		ServerNonce: h.serverNonce,
		NewNonce:    h.newNonce,
		DC:          h.dc,
	}, true)
	if err != nil {
		return nil, h.fail(err)
	}

	encrypted, err := crypto.EncryptRSAPad(h.rand, key, inner)
	if err != nil {
		return nil, h.fail(err)
	}

	data, err := tl.Serialize(ReqDHParams{
		Nonce:         h.nonce,
		ServerNonce:   h.serverNonce,
		P:             pBytes,
		Q:             qBytes,
		Fingerprint:   key.Fingerprint,
		EncryptedData: encrypted,
	}, true)
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = HandshakeDHParamsRequested
	h.log.Debug("dh params requested", zap.Uint64("fingerprint", key.Fingerprint))
	return data, nil
}

func (h *Handshake) selectKey(fingerprints []uint64) *crypto.PublicKey {
	for _, f := range fingerprints {
		for _, k := range h.keys {
			if k.Fingerprint == f {
				return k
			}
		}
	}
	return nil
}

func (h *Handshake) handleDHParams(res *ServerDHParamsOk) ([]byte, error) {
	if res.Nonce != h.nonce || res.ServerNonce != h.serverNonce {
		return nil, h.fail(errors.New("nonce mismatch in server dh params"))
	}

	h.tmpKey, h.tmpIV = crypto.TempAESKeyIV(h.newNonce, h.serverNonce)

	answer, err := crypto.DecryptIGE(h.tmpKey[:], h.tmpIV[:], res.EncryptedAnswer)
	if err != nil {
		return nil, h.fail(fmt.Errorf("failed to decrypt answer: %w", err))
	}
	if len(answer) < sha1.Size {
		return nil, h.fail(errors.New("answer is too short"))
	}

	var inner ServerDHInnerData
	rest, err := tl.Parse(&inner, answer[sha1.Size:], true)
	if err != nil {
		return nil, h.fail(fmt.Errorf("failed to parse server dh inner data: %w", err))
	}
	if len(rest) >= 16 {
		return nil, h.fail(fmt.Errorf("answer padding is too long: %d", len(rest)))
	}

	hash := sha1.Sum(answer[sha1.Size : len(answer)-len(rest)])
	if !bytes.Equal(hash[:], answer[:sha1.Size]) {
		return nil, h.fail(errors.New("server dh inner data hash mismatch"))
	}

	if inner.Nonce != h.nonce || inner.ServerNonce != h.serverNonce {
		return nil, h.fail(errors.New("nonce mismatch in server dh inner data"))
	}

	dhPrime := new(big.Int).SetBytes(inner.DHPrime)
	if err = crypto.CheckDHPrime(dhPrime, inner.G); err != nil {
		return nil, h.fail(err)
	}

	h.timeOffset = time.Unix(inner.ServerTime, 0).Sub(h.now())

	b, err := crypto.RandomDHSecret(h.rand)
	if err != nil {
		return nil, h.fail(err)
	}

	ex, err := crypto.ComputeDH(inner.G, new(big.Int).SetBytes(inner.GA), b, dhPrime)
	if err != nil {
		return nil, h.fail(err)
	}

	clientInner, err := tl.Serialize(ClientDHInnerData{
		Nonce:       h.nonce,
		ServerNonce: h.serverNonce,
		GB:          ex.GB.Bytes(),
	}, true)
	if err != nil {
		return nil, h.fail(err)
	}

	clientHash := sha1.Sum(clientInner)
	plain := append(clientHash[:], clientInner...)
	if rem := len(plain) % 16; rem != 0 {
		padding := make([]byte, 16-rem)
		if _, err = io.ReadFull(h.rand, padding); err != nil {
			return nil, h.fail(err)
		}
		plain = append(plain, padding...)
	}

	encrypted, err := crypto.EncryptIGE(h.tmpKey[:], h.tmpIV[:], plain)
	if err != nil {
		return nil, h.fail(err)
	}

	data, err := tl.Serialize(SetClientDHParams{
		Nonce:         h.nonce,
		ServerNonce:   h.serverNonce,
		EncryptedData: encrypted,
	}, true)
	if err != nil {
		return nil, h.fail(err)
	}

	h.key = ex.Key
	h.state = HandshakeDHGenerated
	h.log.Debug("dh generated", zap.Int("g", inner.G), zap.Duration("time_offset", h.timeOffset))
	return data, nil
}

func (h *Handshake) handleGenOk(res *DHGenOk) error {
	if res.Nonce != h.nonce || res.ServerNonce != h.serverNonce {
		return h.fail(errors.New("nonce mismatch in dh_gen_ok"))
	}

	if res.NewNonceHash1 != crypto.NewNonceHash(h.newNonce, &h.key, 1) {
		return h.fail(errors.New("new nonce hash mismatch"))
	}

	h.result = &HandshakeResult{
		Key:        h.key,
		Salt:       crypto.InitialSalt(h.newNonce, h.serverNonce),
		TimeOffset: h.timeOffset,
	}
	h.state = HandshakeKeySet
	h.log.Info("auth key created", zap.Uint64("key_id", h.key.ID()))
	return nil
}

func (h *Handshake) fail(err error) error {
	h.state = HandshakeFailed
	h.key = crypto.AuthKey{}
	h.log.Warn("handshake failed", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
}

// plainMessage frames a handshake body as an unencrypted message.
func plainMessage(msgID uint64, body []byte) []byte {
	buf := make([]byte, 20, 20+len(body))
	binary.LittleEndian.PutUint64(buf[8:], msgID)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(body)))
	return append(buf, body...)
}

// parsePlainMessage returns the body of an unencrypted message.
func parsePlainMessage(packet []byte) (uint64, []byte, error) {
	if len(packet) < 20 {
		return 0, nil, fmt.Errorf("%w: unencrypted message is too short", ErrMalformedWire)
	}
	if binary.LittleEndian.Uint64(packet) != 0 {
		return 0, nil, fmt.Errorf("%w: unencrypted message has auth key id", ErrMalformedWire)
	}

	id := binary.LittleEndian.Uint64(packet[8:])
	sz := binary.LittleEndian.Uint32(packet[16:])
	if uint64(sz) > uint64(len(packet)-20) {
		return 0, nil, fmt.Errorf("%w: unencrypted message length %d overflows packet", ErrMalformedWire, sz)
	}
	return id, packet[20 : 20+sz], nil
}
