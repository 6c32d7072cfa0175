package mtproto

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/tl"
)

// test only request and reply
type testEcho struct {
	Value string `tl:"string"`
}

type testEchoResult struct {
	Value string `tl:"string"`
}

type testUpdate struct {
	Seq int `tl:"int"`
}

func init() {
	tl.Register(testEcho{}, "test.echo#7e57ec40 value:string = test.EchoResult")
	tl.Register(testEchoResult{}, "test.echoResult#7e57ec41 value:string = test.EchoResult")
	tl.Register(testUpdate{}, "test.update#7e57ec42 seq:int = test.Update")
}

var (
	testRSAOnce sync.Once
	testRSAKey  *rsa.PrivateKey
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	testRSAOnce.Do(func() {
		var err error
		if testRSAKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testRSAKey
}

// testServerSecret is the server dh exponent, fixed to make handshakes reproducible.
var testServerSecret = new(big.Int).SetBytes(bytes.Repeat([]byte{0x5a, 0xc3, 0x17, 0x81}, 64))

var testServerNonce = [16]byte{0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59, 0x5a, 0x5b, 0x5c, 0x5d, 0x5e, 0x5f, 0x60}

// pq = 0x494c553b * 0x53911073
var testPQ = []byte{0x17, 0xed, 0x48, 0x94, 0x1a, 0x08, 0xf9, 0x81}

type clientMessage struct {
	ID        uint64
	SeqNo     uint32
	Salt      uint64
	SessionID uint64
	Body      []byte
}

// reply is what a handler answers, content related messages get an odd seqno.
type reply struct {
	body    []byte
	content bool
}

func rpcResult(reqMsgID uint64, v tl.Serializable) reply {
	res, err := tl.Serialize(v, true)
	if err != nil {
		panic(err)
	}
	body, err := tl.Serialize(RPCResult{ReqMsgID: reqMsgID, Result: res}, true)
	if err != nil {
		panic(err)
	}
	return reply{body: body, content: true}
}

func rpcError(reqMsgID uint64, code int, msg string) reply {
	return rpcResult(reqMsgID, RPCErrorTL{Code: code, Message: msg})
}

func serviceReply(v tl.Serializable) reply {
	body, err := tl.Serialize(v, true)
	if err != nil {
		panic(err)
	}
	return reply{body: body}
}

func gzipBody(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type handlerFunc func(s *serverConn, msg clientMessage) []reply

// fakeDC is an in-process DC, every transport connected to its address
// gets its own serverConn with a separate handshake and session.
type fakeDC struct {
	id   int
	addr string
	priv *rsa.PrivateKey

	mx          sync.Mutex
	handler     handlerFunc
	gate        chan struct{}
	dropPings   bool
	keys        map[uint64]crypto.AuthKey
	connections []*serverConn
	requests    []clientMessage
}

func (d *fakeDC) setHandler(h handlerFunc) {
	d.mx.Lock()
	d.handler = h
	d.mx.Unlock()
}

// Requests returns content related messages which are not service ones.
func (d *fakeDC) Requests() []clientMessage {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]clientMessage{}, d.requests...)
}

func (d *fakeDC) Connections() []*serverConn {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]*serverConn{}, d.connections...)
}

type fakeNetwork struct {
	t  *testing.T
	mx sync.Mutex

	dcs        map[string]*fakeDC
	transports []*fakeTransport
}

func newFakeNetwork(t *testing.T) *fakeNetwork {
	return &fakeNetwork{
		t:   t,
		dcs: map[string]*fakeDC{},
	}
}

func (n *fakeNetwork) addDC(id int, host string) *fakeDC {
	d := &fakeDC{
		id:   id,
		addr: host + ":443",
		priv: testPrivateKey(n.t),
		keys: map[uint64]crypto.AuthKey{},
	}
	d.handler = echoHandler

	n.mx.Lock()
	n.dcs[d.addr] = d
	n.mx.Unlock()
	return d
}

func (n *fakeNetwork) option(d *fakeDC) DcOption {
	host := d.addr[:len(d.addr)-len(":443")]
	return DcOption{ID: d.id, Address: host, Port: 443}
}

func (n *fakeNetwork) publicKeys() []*crypto.PublicKey {
	return []*crypto.PublicKey{crypto.NewPublicKey(&testPrivateKey(n.t).PublicKey)}
}

func (n *fakeNetwork) transport() Transport {
	tr := &fakeTransport{net: n}

	n.mx.Lock()
	n.transports = append(n.transports, tr)
	n.mx.Unlock()
	return tr
}

func echoHandler(_ *serverConn, msg clientMessage) []reply {
	var req testEcho
	if _, err := tl.Parse(&req, msg.Body, true); err != nil {
		return []reply{rpcError(msg.ID, 400, "INPUT_REQUEST_INVALID")}
	}
	return []reply{rpcResult(msg.ID, testEchoResult{Value: "re:" + req.Value})}
}

type fakeTransport struct {
	net *fakeNetwork

	mx       sync.Mutex
	srv      *serverConn
	onPacket func([]byte)
	onError  func(error)
	closed   bool
}

func (f *fakeTransport) Connect(ctx context.Context, addr string) error {
	f.net.mx.Lock()
	dc := f.net.dcs[addr]
	f.net.mx.Unlock()

	if dc == nil {
		return fmt.Errorf("dial %s: connection refused", addr)
	}

	dc.mx.Lock()
	gate := dc.gate
	dc.mx.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	srv := &serverConn{dc: dc}

	dc.mx.Lock()
	dc.connections = append(dc.connections, srv)
	dc.mx.Unlock()

	f.mx.Lock()
	f.srv = srv
	f.mx.Unlock()
	return nil
}

func (f *fakeTransport) Send(packet []byte) error {
	f.mx.Lock()
	srv, closed := f.srv, f.closed
	f.mx.Unlock()

	if closed {
		return errors.New("closed")
	}
	if srv == nil {
		return errors.New("not connected")
	}

	packets, err := srv.handle(packet)
	if err != nil {
		panic(err)
	}
	for _, p := range packets {
		f.deliver(p)
	}
	return nil
}

func (f *fakeTransport) deliver(packet []byte) {
	f.mx.Lock()
	h, closed := f.onPacket, f.closed
	f.mx.Unlock()

	if h != nil && !closed {
		h(packet)
	}
}

// push sends a message initiated by the server.
func (f *fakeTransport) push(r reply) {
	f.mx.Lock()
	srv := f.srv
	f.mx.Unlock()

	packet, err := srv.encrypt(r)
	if err != nil {
		panic(err)
	}
	f.deliver(packet)
}

// fail simulates a broken connection.
func (f *fakeTransport) fail(err error) {
	f.mx.Lock()
	h := f.onError
	f.mx.Unlock()
	h(err)
}

func (f *fakeTransport) SetPacketHandler(h func(packet []byte)) {
	f.mx.Lock()
	f.onPacket = h
	f.mx.Unlock()
}

func (f *fakeTransport) SetErrorHandler(h func(err error)) {
	f.mx.Lock()
	f.onError = h
	f.mx.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mx.Lock()
	f.closed = true
	f.mx.Unlock()
	return nil
}

// serverConn is the server side of one connection.
type serverConn struct {
	dc *fakeDC

	mx          sync.Mutex
	nonce       [16]byte
	newNonce    [32]byte
	tmpKey      [32]byte
	tmpIV       [32]byte
	key         crypto.AuthKey
	hasKey      bool
	salt        uint64
	sessionID   uint64
	lastID      uint64
	contentSent uint32
	acked       []uint64
}

func (s *serverConn) Key() (crypto.AuthKey, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.key, s.hasKey
}

func (s *serverConn) Acked() []uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]uint64{}, s.acked...)
}

func (s *serverConn) setSalt(salt uint64) {
	s.mx.Lock()
	s.salt = salt
	s.mx.Unlock()
}

func (s *serverConn) handle(packet []byte) ([][]byte, error) {
	if binary.LittleEndian.Uint64(packet) == 0 {
		_, body, err := parsePlainMessage(packet)
		if err != nil {
			return nil, err
		}

		s.mx.Lock()
		res, err := s.handshakeStep(body)
		var id uint64
		if err == nil {
			id = s.nextIDLocked()
		}
		s.mx.Unlock()

		if err != nil {
			return nil, err
		}
		return [][]byte{plainMessage(id, res)}, nil
	}

	msg, err := s.decrypt(packet)
	if err != nil {
		return nil, err
	}

	var replies []reply
	switch id, _ := tl.PeekConstructor(msg.Body); id {
	case MsgsAckID:
		var ack MsgsAck
		if _, err = tl.Parse(&ack, msg.Body, true); err != nil {
			return nil, err
		}
		s.mx.Lock()
		s.acked = append(s.acked, ack.MsgIDs...)
		s.mx.Unlock()
		return nil, nil
	case 0xf3427b8c:
		var ping PingDelayDisconnect
		if _, err = tl.Parse(&ping, msg.Body, true); err != nil {
			return nil, err
		}

		s.dc.mx.Lock()
		drop := s.dc.dropPings
		s.dc.mx.Unlock()
		if drop {
			return nil, nil
		}
		replies = []reply{serviceReply(Pong{MsgID: msg.ID, PingID: ping.PingID})}
	default:
		s.dc.mx.Lock()
		s.dc.requests = append(s.dc.requests, msg)
		h := s.dc.handler
		s.dc.mx.Unlock()

		replies = h(s, msg)
	}

	var packets [][]byte
	for _, r := range replies {
		p, err := s.encrypt(r)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

func (s *serverConn) nextID() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.nextIDLocked()
}

// nextIDLocked returns an odd server message id.
func (s *serverConn) nextIDLocked() uint64 {
	id := messageIDFromMillis(time.Now().UnixMilli()) | 1
	if id <= s.lastID {
		id = s.lastID + 4
	}
	s.lastID = id
	return id
}

func (s *serverConn) handshakeStep(body []byte) ([]byte, error) {
	var msg any
	if _, err := tl.Parse(&msg, body, true); err != nil {
		return nil, err
	}

	switch m := msg.(type) {
	case ReqPQMulti:
		s.nonce = m.Nonce
		return tl.Serialize(ResPQ{
			Nonce:        m.Nonce,
			ServerNonce:  testServerNonce,
			PQ:           testPQ,
			Fingerprints: []uint64{0x1234, crypto.Fingerprint(&s.dc.priv.PublicKey)},
		}, true)
	case ReqDHParams:
		if m.Nonce != s.nonce || m.ServerNonce != testServerNonce {
			return nil, errors.New("nonce mismatch")
		}
		if !bytes.Equal(m.P, []byte{0x49, 0x4c, 0x55, 0x3b}) || !bytes.Equal(m.Q, []byte{0x53, 0x91, 0x10, 0x73}) {
			return nil, fmt.Errorf("bad p q %x %x", m.P, m.Q)
		}

		data, err := crypto.DecryptRSAPad(s.dc.priv, m.EncryptedData)
		if err != nil {
			return nil, err
		}

		var inner PQInnerDataDC
		if _, err = tl.Parse(&inner, data, true); err != nil {
			return nil, err
		}
		s.newNonce = inner.NewNonce
		s.tmpKey, s.tmpIV = crypto.TempAESKeyIV(inner.NewNonce, testServerNonce)

		gA := new(big.Int).Exp(big.NewInt(3), testServerSecret, crypto.DefaultDHPrime)
		innerData, err := tl.Serialize(ServerDHInnerData{
			Nonce:       s.nonce,
			ServerNonce: testServerNonce,
			G:           3,
			DHPrime:     crypto.DefaultDHPrime.Bytes(),
			GA:          gA.Bytes(),
			ServerTime:  time.Now().Unix(),
		}, true)
		if err != nil {
			return nil, err
		}

		hash := sha1.Sum(innerData)
		answer := append(hash[:], innerData...)
		if rem := len(answer) % 16; rem != 0 {
			answer = append(answer, make([]byte, 16-rem)...)
		}

		encrypted, err := crypto.EncryptIGE(s.tmpKey[:], s.tmpIV[:], answer)
		if err != nil {
			return nil, err
		}
		return tl.Serialize(ServerDHParamsOk{
			Nonce:           s.nonce,
			ServerNonce:     testServerNonce,
			EncryptedAnswer: encrypted,
		}, true)
	case SetClientDHParams:
		plain, err := crypto.DecryptIGE(s.tmpKey[:], s.tmpIV[:], m.EncryptedData)
		if err != nil {
			return nil, err
		}

		var inner ClientDHInnerData
		rest, err := tl.Parse(&inner, plain[sha1.Size:], true)
		if err != nil {
			return nil, err
		}
		if hash := sha1.Sum(plain[sha1.Size : len(plain)-len(rest)]); !bytes.Equal(hash[:], plain[:sha1.Size]) {
			return nil, errors.New("client dh inner data hash mismatch")
		}

		shared := new(big.Int).Exp(new(big.Int).SetBytes(inner.GB), testServerSecret, crypto.DefaultDHPrime)
		if s.key, err = crypto.NewAuthKey(shared.Bytes()); err != nil {
			return nil, err
		}
		s.hasKey = true
		s.salt = crypto.InitialSalt(s.newNonce, testServerNonce)

		s.dc.mx.Lock()
		if s.dc.keys != nil {
			s.dc.keys[s.key.ID()] = s.key
		}
		s.dc.mx.Unlock()

		return tl.Serialize(DHGenOk{
			Nonce:         s.nonce,
			ServerNonce:   testServerNonce,
			NewNonceHash1: crypto.NewNonceHash(s.newNonce, &s.key, 1),
		}, true)
	}
	return nil, fmt.Errorf("unexpected handshake message %T", msg)
}

func (s *serverConn) decrypt(packet []byte) (clientMessage, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if !s.hasKey {
		// key created by an earlier connection
		s.dc.mx.Lock()
		s.key, s.hasKey = s.dc.keys[binary.LittleEndian.Uint64(packet)]
		s.dc.mx.Unlock()

		if !s.hasKey {
			return clientMessage{}, errors.New("no key")
		}
	}

	plain, err := s.key.Decrypt(packet, crypto.ClientToServer)
	if err != nil {
		return clientMessage{}, err
	}

	msg := clientMessage{
		Salt:      binary.LittleEndian.Uint64(plain),
		SessionID: binary.LittleEndian.Uint64(plain[8:]),
		ID:        binary.LittleEndian.Uint64(plain[16:]),
		SeqNo:     binary.LittleEndian.Uint32(plain[24:]),
	}
	sz := binary.LittleEndian.Uint32(plain[28:])
	if pad := len(plain) - 32 - int(sz); pad < 12 || pad > 1024 {
		return clientMessage{}, fmt.Errorf("bad padding %d", pad)
	}
	if msg.ID%4 != 0 {
		return clientMessage{}, fmt.Errorf("client message id %d is not divisible by 4", msg.ID)
	}
	msg.Body = append([]byte{}, plain[32:32+sz]...)

	s.sessionID = msg.SessionID
	return msg, nil
}

func (s *serverConn) encrypt(r reply) ([]byte, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	seq := s.contentSent * 2
	if r.content {
		seq++
		s.contentSent++
	}

	padLen := 12 + (16-(32+len(r.body)+12)%16)%16
	plain := make([]byte, 32+len(r.body)+padLen)
	binary.LittleEndian.PutUint64(plain, s.salt)
	binary.LittleEndian.PutUint64(plain[8:], s.sessionID)
	binary.LittleEndian.PutUint64(plain[16:], s.nextIDLocked())
	binary.LittleEndian.PutUint32(plain[24:], seq)
	binary.LittleEndian.PutUint32(plain[28:], uint32(len(r.body)))
	copy(plain[32:], r.body)

	return s.key.Encrypt(plain, crypto.ServerToClient)
}

// testManager builds a manager wired to the fake network with pings disabled.
func testManager(n *fakeNetwork, home *fakeDC, opts ...Option) *Manager {
	all := []Option{
		WithDcOptions([]DcOption{n.option(home)}),
		WithHomeDC(home.id),
		WithPublicKeys(n.publicKeys()),
		WithTransport(n.transport),
		WithPingInterval(0),
	}
	return NewManager(append(all, opts...)...)
}
