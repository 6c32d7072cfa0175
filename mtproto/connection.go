package mtproto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/session"
)

type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusHasDHKey
	StatusSigned
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusHasDHKey:
		return "has dh key"
	case StatusSigned:
		return "signed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Transport is an ordered reliable packet stream to a DC.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Send(packet []byte) error
	SetPacketHandler(func(packet []byte))
	SetErrorHandler(func(err error))
	Close() error
}

// Connection owns the auth key and session with one DC.
type Connection struct {
	spec   ConnectionSpec
	option DcOption
	opts   *options
	log    *zap.Logger
	tr     Transport

	onRedirect func(op *Operation, err *RPCError)

	mx        sync.Mutex
	status    ConnectionStatus
	statusCh  chan struct{}
	err       error
	closed    bool
	handshake *Handshake
	key       crypto.AuthKey
	hasKey    bool
	signed    bool
	session   Session
	ids       *MessageIDGenerator
	delta     DeltaTimeState
	initSent  bool
	pingID    uint64

	queue  []*Operation
	active map[uint64]*Operation
	acks   []uint64

	writeQueue  [][]byte
	writeSignal chan struct{}

	// run after the lock is released
	deferred []func()

	// saves run outside mx, a snapshot older than the stored one is skipped
	saveMx       sync.Mutex
	saveVersion  uint64
	savedVersion uint64

	globalCtx context.Context
	stop      func()
}

func newConnection(spec ConnectionSpec, option DcOption, opts *options) *Connection {
	c := &Connection{
		spec:        spec,
		option:      option,
		opts:        opts,
		log:         opts.log.Named("conn").With(zap.Stringer("spec", spec)),
		statusCh:    make(chan struct{}),
		ids:         NewMessageIDGenerator(opts.now),
		active:      map[uint64]*Operation{},
		writeSignal: make(chan struct{}, 1),
	}
	c.globalCtx, c.stop = context.WithCancel(context.Background())

	data, err := opts.storage.Load(spec.DC, spec.Has(MediaOnly))
	switch {
	case err == nil:
		if key, kerr := crypto.NewAuthKey(data.AuthKey); kerr == nil && len(data.AuthKey) == len(key) {
			c.key = key
			c.hasKey = true
			c.signed = data.Signed
			c.session = Session{
				ID:             data.SessionID,
				Salt:           data.ServerSalt,
				ContentRelated: data.Sequence,
			}
			c.ids.SetDelta(data.DeltaTime)
			c.log.Debug("session loaded", zap.Uint64("key_id", key.ID()))
		} else {
			c.log.Warn("stored auth key is invalid, ignoring it", zap.Int("len", len(data.AuthKey)))
		}
	case errors.Is(err, session.ErrNotFound):
	default:
		c.log.Warn("failed to load session", zap.Error(err))
	}

	return c
}

func (c *Connection) Spec() ConnectionSpec {
	return c.spec
}

func (c *Connection) Option() DcOption {
	return c.option
}

func (c *Connection) Status() ConnectionStatus {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.status
}

// Err returns the reason of the failure, if the connection failed.
func (c *Connection) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

func (c *Connection) AuthKeyID() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()

	if !c.hasKey {
		return 0
	}
	return c.key.ID()
}

func (c *Connection) Session() Session {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.session
}

func (c *Connection) DeltaTimeState() DeltaTimeState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.delta
}

// WaitStatus blocks until the connection reaches one of the statuses.
// It returns the failure reason when the connection fails meanwhile.
func (c *Connection) WaitStatus(ctx context.Context, want ...ConnectionStatus) (ConnectionStatus, error) {
	for {
		c.mx.Lock()
		st, ch, err := c.status, c.statusCh, c.err
		c.mx.Unlock()

		for _, w := range want {
			if st == w {
				return st, nil
			}
		}
		if st == StatusFailed {
			return st, err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func (c *Connection) unlock() {
	fns := c.deferred
	c.deferred = nil
	c.mx.Unlock()

	for _, f := range fns {
		f()
	}
}

func (c *Connection) after(f func()) {
	c.deferred = append(c.deferred, f)
}

func (c *Connection) setStatusLocked(st ConnectionStatus) {
	if c.status == st {
		return
	}
	c.status = st
	close(c.statusCh)
	c.statusCh = make(chan struct{})

	c.log.Info("status changed", zap.Stringer("status", st))
	if h := c.opts.onStatus; h != nil {
		spec := c.spec
		c.after(func() {
			h(spec, st)
		})
	}
}

// start connects the transport and drives the handshake if there is no key yet.
func (c *Connection) start() {
	c.mx.Lock()
	if c.closed || c.status != StatusDisconnected {
		c.unlock()
		return
	}
	c.setStatusLocked(StatusConnecting)
	c.unlock()

	c.tr.SetPacketHandler(c.handlePacket)
	c.tr.SetErrorHandler(c.handleTransportError)

	ctx, cancel := context.WithTimeout(c.globalCtx, c.opts.dialTimeout)
	err := c.tr.Connect(ctx, c.option.Addr())
	cancel()

	c.mx.Lock()
	defer c.unlock()

	if err != nil {
		c.failLocked(fmt.Errorf("failed to connect to %s: %w", c.option.Addr(), err))
		return
	}
	if c.closed || c.status == StatusFailed {
		c.after(func() {
			_ = c.tr.Close()
		})
		return
	}

	go c.writer()
	go c.loop()

	c.setStatusLocked(StatusConnected)

	if c.hasKey {
		if c.session.ID == 0 {
			if c.session.ID, err = c.randomUint64Locked(); err != nil {
				c.failLocked(err)
				return
			}
		}
		c.keyReadyLocked()
		return
	}

	dc := c.spec.DC
	if c.spec.Has(MediaOnly) {
		dc = -dc
	}
	c.handshake = NewHandshake(dc, c.opts.keys, c.opts.rand, c.log)
	c.handshake.now = c.opts.now

	body, err := c.handshake.Start()
	if err != nil {
		c.failLocked(err)
		return
	}
	c.writeLocked(plainMessage(c.ids.Next(), body))
}

func (c *Connection) keyReadyLocked() {
	if c.signed {
		c.setStatusLocked(StatusSigned)
	} else {
		c.setStatusLocked(StatusHasDHKey)
	}

	queue := c.queue
	c.queue = nil
	for _, op := range queue {
		c.sendOpLocked(op)
	}

	if c.opts.pingInterval > 0 {
		go c.pinger(c.opts.pingInterval)
	}
}

func (c *Connection) handleHandshakeLocked(body []byte) {
	if c.handshake == nil {
		c.log.Debug("unencrypted message outside of handshake, dropping")
		return
	}

	reply, err := c.handshake.Handle(body)
	if err != nil {
		c.failLocked(err)
		return
	}
	if reply != nil {
		c.writeLocked(plainMessage(c.ids.Next(), reply))
		return
	}

	res, ok := c.handshake.Result()
	if !ok {
		return
	}
	c.handshake = nil

	sessionID, err := c.randomUint64Locked()
	if err != nil {
		c.failLocked(err)
		return
	}

	c.key = res.Key
	c.hasKey = true
	c.session = Session{ID: sessionID, Salt: res.Salt}
	c.ids.SetDelta(res.TimeOffset.Milliseconds())
	c.saveLocked()
	c.keyReadyLocked()
}

// SendRPC sends a boxed serialized request. It never blocks on network,
// requests made before the key exists are queued and sent in order once it does.
func (c *Connection) SendRPC(req []byte) *Operation {
	op := newOperation(req, c.opts.now())
	c.submit(op)
	return op
}

func (c *Connection) submit(op *Operation) {
	c.mx.Lock()
	defer c.unlock()

	if c.closed || c.status == StatusFailed {
		op.resolve(nil, c.lostErrLocked())
		return
	}

	op.setSent(0, nil)
	c.sendOpLocked(op)
}

func (c *Connection) lostErrLocked() error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, c.err)
	}
	return ErrConnectionLost
}

func (c *Connection) sendOpLocked(op *Operation) {
	if op.isResolved() {
		return
	}
	if c.status != StatusHasDHKey && c.status != StatusSigned {
		c.queue = append(c.queue, op)
		return
	}

	op.mx.Lock()
	wire := op.wire
	op.mx.Unlock()

	if wire == nil {
		wire = op.request
		if p := c.opts.initConnection; p != nil && !c.initSent {
			var err error
			if wire, err = wrapInitConnection(p, wire); err != nil {
				op.resolve(nil, err)
				return
			}
			c.initSent = true
		}
	}

	id := c.ids.Next()
	packet, err := c.sealLocked(id, c.session.NextSeqNo(op.contentRelated), wire)
	if err != nil {
		op.resolve(nil, err)
		return
	}

	op.setSent(id, wire)
	c.active[id] = op
	c.writeLocked(packet)

	c.log.Debug("request sent", zap.Uint64("msg_id", id), zap.Int("size", len(wire)))
}

// sendServiceLocked sends a message nobody waits a reply for.
func (c *Connection) sendServiceLocked(body []byte, contentRelated bool) (uint64, error) {
	id := c.ids.Next()
	packet, err := c.sealLocked(id, c.session.NextSeqNo(contentRelated), body)
	if err != nil {
		return 0, err
	}
	c.writeLocked(packet)
	return id, nil
}

// sealLocked builds and encrypts the message:
// salt, session id, msg id, seqno, length, body and 12 to 27 bytes of padding.
func (c *Connection) sealLocked(msgID uint64, seqNo uint32, body []byte) ([]byte, error) {
	padLen := 12 + (16-(32+len(body)+12)%16)%16

	plain := make([]byte, 32+len(body)+padLen)
	binary.LittleEndian.PutUint64(plain, c.session.Salt)
	binary.LittleEndian.PutUint64(plain[8:], c.session.ID)
	binary.LittleEndian.PutUint64(plain[16:], msgID)
	binary.LittleEndian.PutUint32(plain[24:], seqNo)
	binary.LittleEndian.PutUint32(plain[28:], uint32(len(body)))
	copy(plain[32:], body)

	if _, err := io.ReadFull(c.opts.rand, plain[32+len(body):]); err != nil {
		return nil, fmt.Errorf("failed to generate padding: %w", err)
	}
	return c.key.Encrypt(plain, crypto.ClientToServer)
}

func (c *Connection) writeLocked(packet []byte) {
	c.writeQueue = append(c.writeQueue, packet)
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// writer sends packets in the order they were queued, which is the msg id order.
func (c *Connection) writer() {
	for {
		select {
		case <-c.globalCtx.Done():
			return
		case <-c.writeSignal:
		}

		for {
			c.mx.Lock()
			packets := c.writeQueue
			c.writeQueue = nil
			c.mx.Unlock()

			if len(packets) == 0 {
				break
			}

			for _, p := range packets {
				if err := c.tr.Send(p); err != nil {
					c.handleTransportError(fmt.Errorf("failed to send packet: %w", err))
					return
				}
			}
		}
	}
}

// loop flushes acks and expires operations nobody answered.
func (c *Connection) loop() {
	ackEvery := c.opts.ackInterval
	if ackEvery <= 0 {
		ackEvery = DefaultAckInterval
	}
	ackTicker := time.NewTicker(ackEvery)
	defer ackTicker.Stop()

	sweep := c.opts.requestTimeout / 4
	if sweep <= 0 || sweep > time.Second {
		sweep = time.Second
	}
	sweepTicker := time.NewTicker(sweep)
	defer sweepTicker.Stop()

	for {
		select {
		case <-c.globalCtx.Done():
			return
		case <-ackTicker.C:
			c.mx.Lock()
			c.flushAcksLocked()
			c.unlock()
		case <-sweepTicker.C:
			c.expireOperations()
		}
	}
}

func (c *Connection) expireOperations() {
	c.mx.Lock()
	defer c.unlock()

	if c.opts.requestTimeout <= 0 {
		return
	}

	now := c.opts.now()
	expired := func(op *Operation) bool {
		return now.Sub(op.created) > c.opts.requestTimeout
	}

	for id, op := range c.active {
		if expired(op) {
			delete(c.active, id)
			op.resolve(nil, ErrOperationExpired)
			c.log.Debug("operation expired", zap.Uint64("msg_id", id))
		}
	}

	queue := c.queue[:0]
	for _, op := range c.queue {
		if expired(op) {
			op.resolve(nil, ErrOperationExpired)
			continue
		}
		queue = append(queue, op)
	}
	c.queue = queue
}

func (c *Connection) pinger(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.globalCtx.Done():
			return
		case <-ticker.C:
		}
		c.ping(every)
	}
}

func (c *Connection) ping(every time.Duration) {
	c.mx.Lock()
	defer c.unlock()

	if c.status != StatusHasDHKey && c.status != StatusSigned {
		return
	}

	if c.pingID != 0 {
		c.pingFailedLocked(fmt.Errorf("ping %d was not answered in %s", c.pingID, every))
	}

	pingID, err := c.randomUint64Locked()
	if err != nil {
		return
	}

	body, err := serializeBoxed(PingDelayDisconnect{
		PingID:          pingID,
		DisconnectDelay: int((every + every/4) / time.Second),
	})
	if err != nil {
		return
	}

	if c.pingID, err = c.sendServiceLocked(body, false); err != nil {
		c.log.Warn("failed to send ping", zap.Error(err))
	}
}

func (c *Connection) pingFailedLocked(err error) {
	c.log.Warn("ping failed", zap.Error(err))
	if h := c.opts.onPingFailure; h != nil {
		spec := c.spec
		c.after(func() {
			h(spec, err)
		})
	}
}

// MarkSigned records that the key is bound to an authorized account.
func (c *Connection) MarkSigned() {
	c.mx.Lock()
	defer c.unlock()

	if c.signed {
		return
	}
	c.signed = true
	if c.status == StatusHasDHKey {
		c.setStatusLocked(StatusSigned)
	}
	c.saveLocked()
}

func (c *Connection) handleTransportError(err error) {
	c.mx.Lock()
	defer c.unlock()
	c.failLocked(err)
}

func (c *Connection) failLocked(err error) {
	if c.closed || c.status == StatusFailed {
		return
	}

	c.err = err
	c.log.Warn("connection failed", zap.Error(err))
	if c.pingID != 0 {
		c.pingFailedLocked(err)
		c.pingID = 0
	}

	c.resolveAllLocked(c.lostErrLocked())
	c.setStatusLocked(StatusFailed)
	c.saveLocked()
	c.stop()

	c.after(func() {
		_ = c.tr.Close()
	})
}

func (c *Connection) resolveAllLocked(err error) {
	for _, op := range c.queue {
		op.resolve(nil, err)
	}
	c.queue = nil

	for id, op := range c.active {
		op.resolve(nil, err)
		delete(c.active, id)
	}
}

// Close stops the connection, unanswered operations resolve with ErrConnectionLost.
func (c *Connection) Close() error {
	c.mx.Lock()
	if c.closed {
		c.unlock()
		return nil
	}
	c.closed = true

	c.resolveAllLocked(ErrConnectionLost)
	if c.status != StatusFailed {
		c.setStatusLocked(StatusDisconnected)
	}
	c.saveLocked()
	c.stop()
	c.unlock()

	return c.tr.Close()
}

func (c *Connection) saveLocked() {
	if !c.hasKey {
		return
	}

	data := &session.Data{
		DC:         c.spec.DC,
		Media:      c.spec.Has(MediaOnly),
		AuthKey:    append([]byte{}, c.key[:]...),
		AuthKeyID:  c.key.ID(),
		SessionID:  c.session.ID,
		ServerSalt: c.session.Salt,
		Sequence:   c.session.ContentRelated,
		DeltaTime:  c.ids.Delta(),
		Signed:     c.signed,
	}

	c.saveVersion++
	version := c.saveVersion
	c.after(func() {
		c.storeSession(version, data)
	})
}

// storeSession persists the snapshot taken at version unless a newer one
// was already stored.
func (c *Connection) storeSession(version uint64, data *session.Data) {
	c.saveMx.Lock()
	defer c.saveMx.Unlock()

	if version <= c.savedVersion {
		c.log.Debug("skipping outdated session snapshot", zap.Uint64("version", version))
		return
	}
	if err := c.opts.storage.Save(data); err != nil {
		c.log.Warn("failed to save session", zap.Error(err))
		return
	}
	c.savedVersion = version
}

func (c *Connection) randomUint64Locked() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.opts.rand, buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read random: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
