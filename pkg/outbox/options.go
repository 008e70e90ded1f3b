package outbox

import (
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/pkg/idempotency"
	"github.com/zoff-tech/clinic-outbox/pkg/quota"
	"github.com/zoff-tech/clinic-outbox/pkg/retry"
	"github.com/zoff-tech/clinic-outbox/pkg/status"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/schema"
)

type options struct {
	policy         *retry.Policy
	callTimeout    time.Duration
	retention      time.Duration
	maxRetries     int
	generator      idempotency.Generator
	estimator      quota.Estimator
	quotaBytes     int64
	highWaterMark  float64
	tracker        *status.Tracker
	recorder       telemetry.Recorder
	logger         *zap.SugaredLogger
	now            func() time.Time
	onlineJitter   time.Duration
	jitterSource   func() float64
	startOnline    bool
	probeInterval  time.Duration
	flushOnEnqueue bool
}

type Option func(*options)

func defaultOptions() options {
	return options{
		maxRetries:     schema.DefaultMaxRetries,
		generator:      idempotency.UUIDGenerator{},
		highWaterMark:  quota.DefaultHighWaterMark,
		recorder:       telemetry.NopRecorder{},
		logger:         zap.NewNop().Sugar(),
		now:            time.Now,
		onlineJitter:   -1,
		startOnline:    true,
		flushOnEnqueue: true,
	}
}

func WithPolicy(p *retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCallTimeout bounds every replayed request.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithRetention keeps completed operations for d. Zero removes them on success.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithMaxRetries sets the attempt budget for operations enqueued without one.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

func WithGenerator(g idempotency.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithQuota enables the storage guard for a store limited to bytes.
func WithQuota(bytes int64, highWaterMark float64) Option {
	return func(o *options) {
		o.quotaBytes = bytes
		if highWaterMark > 0 {
			o.highWaterMark = highWaterMark
		}
	}
}

// WithEstimator replaces the storage estimate used by the guard.
func WithEstimator(e quota.Estimator) Option {
	return func(o *options) { o.estimator = e }
}

// WithTracker routes status events through t. Dispose closes it.
func WithTracker(t *status.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOnlineJitter sets the window a flush is spread over after reconnecting.
func WithOnlineJitter(d time.Duration) Option {
	return func(o *options) { o.onlineJitter = d }
}

// WithJitterSource replaces the uniform [0,1) source used for the online jitter.
func WithJitterSource(fn func() float64) Option {
	return func(o *options) { o.jitterSource = fn }
}

func WithInitialOnline(online bool) Option {
	return func(o *options) { o.startOnline = online }
}

// WithProbeInterval polls the API health endpoint every d once Init runs.
// The executor must implement transport.Pinger.
func WithProbeInterval(d time.Duration) Option {
	return func(o *options) { o.probeInterval = d }
}

// WithFlushOnEnqueue controls whether an enqueue while online starts a flush.
func WithFlushOnEnqueue(enabled bool) Option {
	return func(o *options) { o.flushOnEnqueue = enabled }
}

// OptionsFromSettings translates the agent configuration.
func OptionsFromSettings(cfg *config.Settings) []Option {
	policy := retry.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay,
		retry.WithJitter(cfg.Retry.Jitter),
		retry.WithCeiling(cfg.Retry.Ceiling),
	)
	return []Option{
		WithPolicy(policy),
		WithCallTimeout(cfg.Transport.CallTimeout),
		WithRetention(cfg.Retry.CompletedRetention),
		WithMaxRetries(cfg.Retry.MaxRetries),
		WithQuota(cfg.Quota.Bytes, cfg.Quota.HighWaterMark),
		WithOnlineJitter(cfg.Connectivity.OnlineJitter),
		WithInitialOnline(cfg.Connectivity.StartOnline),
		WithProbeInterval(cfg.Connectivity.ProbeInterval),
	}
}
