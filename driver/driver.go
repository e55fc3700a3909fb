// CLAUDE:SUMMARY Drives one chat web app session: serialized exchanges (inject, wait, extract), rotation and health.
// Package driver turns "send this text, give me the reply" into browser
// work on a single chat web app session. Every browser operation runs on
// one worker goroutine; callers only ever wait on a result.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chatbridge/driver/internal/browser"
	"github.com/hazyhaar/chatbridge/driver/internal/detect"
	"github.com/hazyhaar/chatbridge/driver/internal/dom"
	"github.com/hazyhaar/chatbridge/driver/internal/render"
	"github.com/hazyhaar/chatbridge/media"
	"github.com/hazyhaar/chatbridge/observability"
)

// Session is the browser session the driver works on. *browser.Session
// implements it.
type Session interface {
	// Ensure reports whether the session had to be rebuilt.
	Ensure(ctx context.Context) (bool, error)
	Adapter() dom.Adapter
	OpenHome(ctx context.Context) error
	Reload(ctx context.Context) error
	FetchBlob(ctx context.Context, src string) (browser.Blob, error)
	State() browser.State
}

// MediaStore persists resolved images. *media.Store implements it.
type MediaStore interface {
	Persist(ctx context.Context, mimeHint string, data []byte) (media.Asset, error)
}

// Config configures a Driver.
type Config struct {
	// RotateAfter is the exchange count that triggers a fresh thread. Default: 10.
	RotateAfter int
	// QueueSize bounds waiting requests. Default: 16.
	QueueSize int

	SettleAfterSend   time.Duration
	ExtractDelay      time.Duration
	ExtractRetryDelay time.Duration

	Detect detect.Config
	// Clock drives every pause in an exchange. Default: detect.RealClock.
	Clock detect.Clock

	Media   MediaStore
	Events  *observability.EventLogger
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.RotateAfter <= 0 {
		c.RotateAfter = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.SettleAfterSend <= 0 {
		c.SettleAfterSend = 3 * time.Second
	}
	if c.ExtractDelay <= 0 {
		c.ExtractDelay = time.Second
	}
	if c.ExtractRetryDelay <= 0 {
		c.ExtractRetryDelay = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = detect.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Detect.Logger == nil {
		c.Detect.Logger = c.Logger
	}
}

// Reply is the result of one exchange.
type Reply struct {
	Text string `json:"text"`
	// Outcome is "complete" or "timeout"; a timed-out reply is what was
	// visible at the ceiling.
	Outcome  string        `json:"outcome"`
	Exchange int           `json:"exchange"`
	Media    []media.Asset `json:"media,omitempty"`
	Wait     time.Duration `json:"wait_ns"`
}

// Health is a snapshot that never touches the browser.
type Health struct {
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Busy      bool      `json:"busy"`
	Queued    int       `json:"queued"`
	Exchanges int       `json:"exchanges"`
	Threshold int       `json:"rotate_after"`
	LastReset time.Time `json:"last_reset"`
}

// Driver serializes exchanges on one browser session.
type Driver struct {
	cfg      Config
	session  Session
	conv     *Conversation
	detector *detect.Detector
	renderer *render.Renderer
	worker   *worker
}

// New creates a Driver over session. Call Run to start the worker.
func New(session Session, cfg Config) *Driver {
	cfg.defaults()
	return &Driver{
		cfg:      cfg,
		session:  session,
		conv:     NewConversation(cfg.RotateAfter),
		detector: detect.New(cfg.Detect, cfg.Clock),
		renderer: render.New(),
		worker:   newWorker(cfg.QueueSize, cfg.Metrics.SetQueueDepth),
	}
}

// Run processes jobs until ctx is done. Jobs still queued then fail with
// ErrQueueClosed.
func (d *Driver) Run(ctx context.Context) error {
	d.cfg.Logger.Info("driver: worker started", "rotate_after", d.cfg.RotateAfter, "queue", d.cfg.QueueSize)
	d.worker.run(ctx)
	d.cfg.Logger.Info("driver: worker stopped")
	return nil
}

// Send delivers text as one user message and returns the reply.
func (d *Driver) Send(ctx context.Context, text string) (Reply, error) {
	if text == "" {
		return Reply{}, newError(CategoryInvalidRequest, "message text is empty", nil)
	}
	return submit(ctx, d.worker, func(ctx context.Context) (Reply, error) {
		return d.exchange(ctx, text)
	})
}

// NewChat opens a fresh conversation. The exchange count is reset only
// when navigation succeeds.
func (d *Driver) NewChat(ctx context.Context) error {
	_, err := submit(ctx, d.worker, func(ctx context.Context) (struct{}, error) {
		if err := d.ensure(ctx); err != nil {
			return struct{}{}, err
		}
		err := d.session.OpenHome(ctx)
		d.cfg.Metrics.IncRotation("explicit", err == nil)
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventRotation, Action: "explicit", Exchange: d.conv.Count(), Success: err == nil,
		})
		if err != nil {
			return struct{}{}, newError(CategorySessionUnavailable, "could not open a new conversation", err)
		}
		d.conv.Reset()
		d.cfg.Logger.Info("driver: new conversation opened")
		return struct{}{}, nil
	})
	return err
}

// Health reads the session state and counters without queueing.
func (d *Driver) Health() Health {
	state := d.session.State()
	return Health{
		State:     state.String(),
		Connected: state == browser.Ready || state == browser.Degraded,
		Busy:      d.worker.busy.Load(),
		Queued:    d.worker.queued(),
		Exchanges: d.conv.Count(),
		Threshold: d.conv.Threshold(),
		LastReset: d.conv.LastReset(),
	}
}

func (d *Driver) ensure(ctx context.Context) error {
	rebuilt, err := d.session.Ensure(ctx)
	if rebuilt {
		d.cfg.Metrics.IncRecovery()
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventRecovery, Action: "rebuild", Exchange: d.conv.Count(), Success: err == nil,
		})
		d.cfg.Logger.Warn("driver: browser session rebuilt", "state", d.session.State().String(), "error", err)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrAuthExpired):
		return newError(CategoryAuthExpired, MessageAuthExpired, err)
	default:
		return newError(CategorySessionUnavailable, "browser session unavailable", err)
	}
}

// rotateIfDue opens a fresh thread when the threshold is reached. The count
// resets even when navigation fails so a broken rotation cannot wedge every
// later request.
func (d *Driver) rotateIfDue(ctx context.Context) {
	if !d.conv.Due() {
		return
	}
	count := d.conv.Count()
	err := d.session.OpenHome(ctx)
	d.conv.Reset()
	d.cfg.Metrics.IncRotation("threshold", err == nil)
	d.cfg.Events.LogEvent(ctx, observability.Event{
		Type: observability.EventRotation, Action: "threshold", Exchange: count, Success: err == nil,
	})
	if err != nil {
		d.cfg.Logger.Warn("driver: rotation navigation failed, continuing in current thread", "exchanges", count, "error", err)
		return
	}
	d.cfg.Logger.Info("driver: rotated to a fresh conversation", "exchanges", count)
}

func (d *Driver) exchange(ctx context.Context, text string) (Reply, error) {
	log := d.cfg.Logger
	start := time.Now()

	if err := d.ensure(ctx); err != nil {
		return Reply{}, err
	}
	d.rotateIfDue(ctx)

	adapter := d.session.Adapter()
	if adapter == nil {
		return Reply{}, newError(CategorySessionUnavailable, "browser page unavailable", nil)
	}
	baseline, err := d.inject(ctx, adapter, text)
	if err != nil {
		return Reply{}, err
	}
	// The exchange only counts once a reply has been extracted.
	n := d.conv.Count() + 1
	log.Info("driver: message sent", "chars", len([]rune(text)), "exchange", n)

	if err := d.cfg.Clock.Sleep(ctx, d.cfg.SettleAfterSend); err != nil {
		return Reply{}, newError(CategoryInternal, "interrupted", err)
	}

	waitStart := time.Now()
	outcome, sig, err := d.detector.Wait(ctx, probe{adapter}, baseline)
	if err != nil {
		return Reply{}, newError(CategoryInternal, "interrupted while waiting for the reply", err)
	}
	wait := time.Since(waitStart)

	switch outcome {
	case detect.NoResponse:
		d.cfg.Metrics.ObserveExchange(outcome.String(), wait)
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventNoResponse, Action: "wait", Exchange: n, Duration: wait,
		})
		return Reply{}, newError(CategoryNoResponse, "no reply from the chat app", nil)
	case detect.Timeout:
		log.Warn("driver: reply still changing at the ceiling, extracting anyway", "ticks", sig.Ticks, "length", sig.LastObservedTextLength)
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventTimeout, Action: "wait", Exchange: n, Duration: wait, Success: true,
		})
	}

	reply, err := d.extract(ctx, adapter)
	if err != nil {
		d.cfg.Metrics.ObserveExchange("extraction_failed", wait)
		d.cfg.Events.LogEvent(ctx, observability.Event{
			Type: observability.EventExtraction, Action: "extract", Exchange: n, Duration: wait,
		})
		return Reply{}, err
	}
	n = d.conv.Record()
	reply.Outcome = outcome.String()
	reply.Exchange = n
	reply.Wait = wait

	d.cfg.Metrics.ObserveExchange(reply.Outcome, wait)
	d.cfg.Events.LogEvent(ctx, observability.Event{
		Type:     observability.EventExchange,
		Action:   reply.Outcome,
		Exchange: n,
		Duration: time.Since(start),
		Details:  fmt.Sprintf(`{"chars":%d,"media":%d}`, len([]rune(reply.Text)), len(reply.Media)),
		Success:  true,
	})
	log.Info("driver: reply received", "chars", len([]rune(reply.Text)), "outcome", reply.Outcome, "wait", wait)
	return reply, nil
}

// probe adapts a dom.Adapter to the detector.
type probe struct{ a dom.Adapter }

func (p probe) ResponseCount(ctx context.Context) (int, error) { return p.a.CountResponses(ctx) }
func (p probe) StopVisible(ctx context.Context) (bool, error)  { return p.a.StopVisible(ctx) }
func (p probe) TextLength(ctx context.Context) (int, error)    { return p.a.LatestTextLength(ctx) }
