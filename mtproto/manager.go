package mtproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtgram/mtgo/tl"
)

type redirect struct {
	op   *Operation
	spec ConnectionSpec
}

// Manager keeps one connection per ConnectionSpec and routes
// requests between DCs when the server asks to.
type Manager struct {
	opts *options
	log  *zap.Logger

	mx             sync.Mutex
	conns          map[ConnectionSpec]*Connection
	dcOptions      []DcOption
	homeDC         int
	configFetching bool
	deferred       []redirect
	closed         bool

	globalCtx context.Context
	stop      func()
}

func NewManager(opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	m := &Manager{
		opts:      o,
		log:       o.log.Named("manager"),
		conns:     map[ConnectionSpec]*Connection{},
		dcOptions: append([]DcOption{}, o.dcOptions...),
		homeDC:    o.homeDC,
	}
	m.globalCtx, m.stop = context.WithCancel(context.Background())

	return m
}

// HomeDC is the DC of the account, it follows PHONE, USER and NETWORK migrations.
func (m *Manager) HomeDC() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.homeDC
}

func (m *Manager) DcOptions() []DcOption {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]DcOption{}, m.dcOptions...)
}

// Connection returns the connection for spec, or nil if there is none.
func (m *Manager) Connection(spec ConnectionSpec) *Connection {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.conns[spec]
}

// EnsureConnection returns the connection for spec, creating it when needed.
// A new connection starts its handshake in background, requests sent to it
// meanwhile are queued.
func (m *Manager) EnsureConnection(spec ConnectionSpec) (*Connection, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if c := m.conns[spec]; c != nil {
		return c, nil
	}
	return m.createLocked(spec)
}

func (m *Manager) createLocked(spec ConnectionSpec) (*Connection, error) {
	option, err := SelectDcOption(m.dcOptions, spec)
	if err != nil {
		return nil, err
	}
	if m.opts.transport == nil {
		return nil, ErrNoTransport
	}

	tr := m.opts.transport()
	if tr == nil {
		return nil, ErrNoTransport
	}

	c := newConnection(spec, option, m.opts)
	c.tr = tr
	c.onRedirect = m.handleRedirect
	m.conns[spec] = c

	m.log.Debug("connection created", zap.Stringer("spec", spec), zap.Stringer("option", option))

	go c.start()
	return c, nil
}

// Reconnect closes the current connection for spec, if any, and creates a new one.
// Operations of the old connection resolve with ErrConnectionLost.
func (m *Manager) Reconnect(spec ConnectionSpec) (*Connection, error) {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return nil, ErrManagerClosed
	}
	old := m.conns[spec]
	delete(m.conns, spec)
	c, err := m.createLocked(spec)
	m.mx.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return c, err
}

// SendRPC sends a serialized boxed request over the connection for spec.
func (m *Manager) SendRPC(spec ConnectionSpec, req []byte) *Operation {
	c, err := m.EnsureConnection(spec)
	if err != nil {
		op := newOperation(req, m.opts.now())
		op.resolve(nil, err)
		return op
	}
	return c.SendRPC(req)
}

// Invoke sends request and parses the reply into result.
func (m *Manager) Invoke(ctx context.Context, spec ConnectionSpec, request tl.Serializable, result tl.Serializable) error {
	req, err := serializeBoxed(request)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}

	_, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		// fallback timeout to not stuck forever with background context
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fallbackTimeout())
		defer cancel()
	}

	return m.SendRPC(spec, req).WaitParse(ctx, result)
}

func (m *Manager) fallbackTimeout() time.Duration {
	if m.opts.requestTimeout > 0 {
		return m.opts.requestTimeout
	}
	return DefaultRequestTimeout
}

// FetchConfig requests help.getConfig over any existing connection
// and replaces the known DC options with the received ones.
func (m *Manager) FetchConfig(ctx context.Context) (*Config, error) {
	c := m.anyConnection()
	if c == nil {
		return nil, ErrNoActiveConnections
	}

	var cfg Config
	if err := m.Invoke(ctx, c.Spec(), HelpGetConfig{}, &cfg); err != nil {
		return nil, err
	}

	m.mx.Lock()
	if len(cfg.DcOptions) > 0 {
		m.dcOptions = append([]DcOption{}, cfg.DcOptions...)
	}
	m.mx.Unlock()

	m.log.Info("dc configuration updated", zap.Int("this_dc", cfg.ThisDC), zap.Int("options", len(cfg.DcOptions)))
	return &cfg, nil
}

// anyConnection prefers the home DC connection, then any connection with a key,
// then any connection which is not failed.
func (m *Manager) anyConnection() *Connection {
	m.mx.Lock()
	defer m.mx.Unlock()

	if c := m.conns[ConnectionSpec{DC: m.homeDC}]; c != nil && c.Status() != StatusFailed {
		return c
	}

	var fallback *Connection
	for _, c := range m.conns {
		switch c.Status() {
		case StatusHasDHKey, StatusSigned:
			return c
		case StatusFailed:
		default:
			if fallback == nil {
				fallback = c
			}
		}
	}
	return fallback
}

// handleRedirect moves the operation to the DC named by the error.
// When the DC is unknown, the configuration is fetched first and all redirects
// that arrive meanwhile are routed after it, in the order they came.
func (m *Manager) handleRedirect(op *Operation, rerr *RPCError) {
	spec := ConnectionSpec{DC: rerr.Argument}
	if isMediaRequest(op.Request()) {
		spec.Flags |= MediaOnly
	}

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		op.resolve(nil, ErrManagerClosed)
		return
	}

	if rerr.MovesHome() && m.homeDC != spec.DC {
		m.log.Info("home dc changed", zap.Int("from", m.homeDC), zap.Int("to", spec.DC))
		m.homeDC = spec.DC
	}

	if m.configFetching || !hasDcOption(m.dcOptions, spec) {
		m.deferred = append(m.deferred, redirect{op: op, spec: spec})
		start := !m.configFetching
		m.configFetching = true
		m.mx.Unlock()

		if start {
			go m.refreshConfig()
		}
		return
	}
	m.mx.Unlock()

	m.route(op, spec)
}

func (m *Manager) route(op *Operation, spec ConnectionSpec) {
	c, err := m.EnsureConnection(spec)
	if err != nil {
		op.resolve(nil, err)
		return
	}

	m.log.Debug("operation redirected", zap.Stringer("spec", spec))
	c.submit(op)
}

func (m *Manager) refreshConfig() {
	ctx, cancel := context.WithTimeout(m.globalCtx, m.fallbackTimeout())
	_, err := m.FetchConfig(ctx)
	cancel()

	if err != nil {
		m.log.Warn("failed to fetch dc configuration", zap.Error(err))
	}

	for {
		m.mx.Lock()
		list := m.deferred
		m.deferred = nil
		if len(list) == 0 {
			m.configFetching = false
			m.mx.Unlock()
			return
		}
		m.mx.Unlock()

		for _, r := range list {
			if err != nil {
				r.op.resolve(nil, fmt.Errorf("%w: %w", ErrConfigFetch, err))
				continue
			}
			m.route(r.op, r.spec)
		}
	}
}

// Close closes all connections, pending operations resolve with an error.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return
	}
	m.closed = true
	m.stop()

	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[ConnectionSpec]*Connection{}

	deferred := m.deferred
	m.deferred = nil
	m.mx.Unlock()

	for _, r := range deferred {
		r.op.resolve(nil, ErrManagerClosed)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func isMediaRequest(req []byte) bool {
	id, err := tl.PeekConstructor(req)
	if err != nil {
		return false
	}

	switch id {
	case UploadGetFileID, UploadGetFileHashesID, UploadGetCdnFileID, UploadGetWebFileID:
		return true
	}
	return false
}
