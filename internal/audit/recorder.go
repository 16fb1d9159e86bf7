package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Fallback reasons, used as metric labels.
const (
	reasonQueueFull = "queue_full"
	reasonSinkError = "sink_error"
	reasonClosed    = "closed"
)

type item struct {
	ev   Event
	done chan struct{}
}

// Recorder queues events for a single background writer. When the sink
// fails, the queue is full or the recorder is closed, the event goes to the
// fallback logger instead and the recorder is flagged as degraded.
type Recorder struct {
	sink         Sink
	fallback     *zap.Logger
	queue        chan item
	writeTimeout time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	closed   bool
	stop     chan struct{}
	stopped  chan struct{}
	degraded atomic.Bool
}

// Option configures Recorder.
type Option func(*Recorder)

// WithQueueSize sets the number of events buffered ahead of the writer.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan item, n)
		}
	}
}

// WithWriteTimeout bounds a single sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithFallback replaces the fallback logger.
func WithFallback(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.fallback = l
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder starts the background writer. Close must be called to stop it.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:         sink,
		fallback:     obs.Logger().Named("audit"),
		queue:        make(chan item, defaultQueueSize),
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// FallbackConfig describes the rotated file used when the sink is unavailable.
type FallbackConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFallbackLogger returns a JSON logger writing to a lumberjack-rotated
// file, or the shared service logger when no path is configured.
func NewFallbackLogger(cfg FallbackConfig) *zap.Logger {
	if cfg.Path == "" {
		return obs.Logger().Named("audit")
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(obs.EncoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	return zap.New(core).Named("audit")
}

// Record stamps ev and hands it to the writer. It never blocks and never fails.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	if ev.ID == "" {
		ev.ID = ids.NewAt(ev.OccurredAt)
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.degrade(ev, reasonClosed, nil)
		return
	}
	select {
	case r.queue <- item{ev: ev}:
	default:
		r.degrade(ev, reasonQueueFull, nil)
	}
}

// Flush waits until every event recorded before the call has been handled.
// It holds no lock while waiting for queue space, so a concurrent Close or
// Record never waits on it.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil
	}

	done := make(chan struct{})
	select {
	case r.queue <- item{done: done}:
	case <-r.stop:
		// Close drains everything queued so far.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	select {
	case <-r.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	_ = r.fallback.Sync()
	return nil
}

// Degraded reports whether any event had to take the fallback channel.
func (r *Recorder) Degraded() bool { return r.degraded.Load() }

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case it := <-r.queue:
			r.handle(it)
		case <-r.stop:
			for {
				select {
				case it := <-r.queue:
					r.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(it item) {
	if it.done != nil {
		close(it.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, it.ev); err != nil {
		r.degrade(it.ev, reasonSinkError, err)
	}
}

func (r *Recorder) degrade(ev Event, reason string, err error) {
	r.degraded.Store(true)
	obs.AuditDegraded.WithLabelValues(reason).Inc()
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("id", ev.ID),
		zap.Time("occurred_at", ev.OccurredAt),
		zap.String("tenant_id", ev.TenantID),
		zap.String("tenant_key", string(ev.TenantKey)),
		zap.String("actor", ev.Actor),
		zap.String("event_type", ev.Type),
		zap.String("resource_type", ev.ResourceType),
		zap.String("resource_id", ev.ResourceID),
		zap.String("outcome", string(ev.Outcome)),
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if len(ev.Detail) > 0 {
		fields = append(fields, zap.Any("detail", ev.Detail))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.fallback.Warn("audit event (degraded)", fields...)
}
