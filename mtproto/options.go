package mtproto

import (
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mtgram/mtgo/mtproto/crypto"
	"github.com/mtgram/mtgo/session"
	"github.com/mtgram/mtgo/transport"
)

const (
	DefaultPingInterval   = 60 * time.Second
	DefaultAckInterval    = 500 * time.Millisecond
	DefaultAckBatchSize   = 16
	DefaultRequestTimeout = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second

	// maxDeltaResends limits resends of one operation after a
	// msg_id too low / too high notification.
	maxDeltaResends = 2
)

// InitConnectionParams are sent with the first request of every connection.
type InitConnectionParams struct {
	Layer          int
	APIID          int
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	SystemLangCode string
	LangPack       string
	LangCode       string
	Proxy          *InputClientProxy
}

type PingFailureHandler func(spec ConnectionSpec, err error)

// UpdateHandler receives messages the session layer does not handle itself.
type UpdateHandler func(spec ConnectionSpec, body []byte)

type StatusHandler func(spec ConnectionSpec, status ConnectionStatus)

type options struct {
	log            *zap.Logger
	dcOptions      []DcOption
	keys           []*crypto.PublicKey
	storage        session.Storage
	transport      func() Transport
	rand           io.Reader
	now            func() time.Time
	pingInterval   time.Duration
	ackInterval    time.Duration
	ackBatchSize   int
	requestTimeout time.Duration
	dialTimeout    time.Duration
	initConnection *InitConnectionParams
	homeDC         int

	onPingFailure PingFailureHandler
	onUpdate      UpdateHandler
	onStatus      StatusHandler
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		log:            zap.NewNop(),
		dcOptions:      DefaultDcOptions(),
		keys:           crypto.ProductionPublicKeys(),
		storage:        session.NewMemory(),
		transport:      func() Transport { return transport.NewTCP() },
		rand:           rand.Reader,
		now:            time.Now,
		pingInterval:   DefaultPingInterval,
		ackInterval:    DefaultAckInterval,
		ackBatchSize:   DefaultAckBatchSize,
		requestTimeout: DefaultRequestTimeout,
		dialTimeout:    DefaultDialTimeout,
		homeDC:         2,
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithDcOptions(list []DcOption) Option {
	return func(o *options) {
		o.dcOptions = append([]DcOption{}, list...)
	}
}

func WithPublicKeys(keys []*crypto.PublicKey) Option {
	return func(o *options) {
		o.keys = keys
	}
}

func WithStorage(s session.Storage) Option {
	return func(o *options) {
		o.storage = s
	}
}

// WithTransport sets the factory called once per connection.
func WithTransport(f func() Transport) Option {
	return func(o *options) {
		o.transport = f
	}
}

func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithPingInterval sets the keep-alive interval, zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

func WithAcks(interval time.Duration, batch int) Option {
	return func(o *options) {
		o.ackInterval = interval
		o.ackBatchSize = batch
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithInitConnection wraps the first request of each connection into
// invokeWithLayer(initConnection(...)).
func WithInitConnection(p InitConnectionParams) Option {
	return func(o *options) {
		o.initConnection = &p
	}
}

func WithHomeDC(dc int) Option {
	return func(o *options) {
		o.homeDC = dc
	}
}

func WithPingFailureHandler(h PingFailureHandler) Option {
	return func(o *options) {
		o.onPingFailure = h
	}
}

func WithUpdateHandler(h UpdateHandler) Option {
	return func(o *options) {
		o.onUpdate = h
	}
}

func WithStatusHandler(h StatusHandler) Option {
	return func(o *options) {
		o.onStatus = h
	}
}
