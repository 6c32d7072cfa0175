package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

const DefaultMaxPacketSize = 16 << 20

var (
	ErrClosed         = errors.New("transport is closed")
	ErrNotConnected   = errors.New("transport is not connected")
	ErrPacketTooLarge = errors.New("packet is too large")
)

// intermediate transport tag, sent once after dial
var intermediateTag = []byte{0xee, 0xee, 0xee, 0xee}

// ProtocolError is a negative error code the server sends instead of a packet,
// for example 404 for an unknown auth key or 429 for flood.
type ProtocolError struct {
	Code int32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transport error code %d", e.Code)
}

type Option func(*TCP)

func WithLogger(log *zap.Logger) Option {
	return func(t *TCP) {
		t.log = log
	}
}

// WithDialer sets the dialer, proxy.Direct by default.
func WithDialer(d proxy.Dialer) Option {
	return func(t *TCP) {
		t.dialer = d
	}
}

func WithMaxPacketSize(sz int) Option {
	return func(t *TCP) {
		t.maxPacket = sz
	}
}

// SOCKS5 returns a dialer connecting through a socks5 proxy, user may be empty.
func SOCKS5(addr, user, password string) (proxy.Dialer, error) {
	var auth *proxy.Auth
	if user != "" {
		auth = &proxy.Auth{
			User:     user,
			Password: password,
		}
	}

	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	return d, nil
}

// TCP is the intermediate MTProto transport:
// every packet is prefixed with its 4 byte little endian length.
type TCP struct {
	dialer    proxy.Dialer
	log       *zap.Logger
	maxPacket int

	mx       sync.Mutex
	conn     net.Conn
	closed   bool
	onPacket func(packet []byte)
	onError  func(err error)

	wLock sync.Mutex
}

func NewTCP(opts ...Option) *TCP {
	t := &TCP{
		dialer:    proxy.Direct,
		log:       zap.NewNop(),
		maxPacket: DefaultMaxPacketSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("tcp")
	return t
}

func (t *TCP) SetPacketHandler(h func(packet []byte)) {
	t.mx.Lock()
	t.onPacket = h
	t.mx.Unlock()
}

func (t *TCP) SetErrorHandler(h func(err error)) {
	t.mx.Lock()
	t.onError = h
	t.mx.Unlock()
}

func (t *TCP) Connect(ctx context.Context, addr string) error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mx.Unlock()
		return errors.New("already connected")
	}
	t.mx.Unlock()

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err = conn.Write(intermediateTag); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to write transport tag: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mx.Unlock()

	t.log.Debug("connected", zap.String("addr", addr))

	go t.listen(conn)
	return nil
}

func (t *TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := t.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		conn, err := t.dialer.Dial("tcp", addr)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *TCP) Send(packet []byte) error {
	if len(packet) > t.maxPacket {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(packet))
	}

	t.mx.Lock()
	conn, closed := t.conn, t.closed
	t.mx.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	buf := make([]byte, 4+len(packet))
	binary.LittleEndian.PutUint32(buf, uint32(len(packet)))
	copy(buf[4:], packet)

	t.wLock.Lock()
	defer t.wLock.Unlock()

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

func (t *TCP) listen(conn net.Conn) {
	var err error
	for {
		var packet []byte
		if packet, err = t.readPacket(conn); err != nil {
			break
		}

		t.mx.Lock()
		h := t.onPacket
		t.mx.Unlock()

		if h != nil {
			h(packet)
		}
	}

	_ = conn.Close()

	t.mx.Lock()
	closed := t.closed
	h := t.onError
	t.mx.Unlock()

	if closed {
		return
	}

	t.log.Debug("connection closed", zap.Error(err))
	if h != nil {
		h(err)
	}
}

func (t *TCP) readPacket(conn net.Conn) ([]byte, error) {
	var szBuf [4]byte
	if _, err := io.ReadFull(conn, szBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read packet size: %w", err)
	}

	sz := binary.LittleEndian.Uint32(szBuf[:])
	if sz > uint32(t.maxPacket) {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, sz)
	}

	packet := make([]byte, sz)
	if _, err := io.ReadFull(conn, packet); err != nil {
		return nil, fmt.Errorf("failed to read packet: %w", err)
	}

	if sz == 4 {
		if code := int32(binary.LittleEndian.Uint32(packet)); code < 0 {
			return nil, &ProtocolError{Code: -code}
		}
	}
	return packet, nil
}

// Close is safe to call many times, the error handler is not called after it.
func (t *TCP) Close() error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mx.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
