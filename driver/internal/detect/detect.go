// CLAUDE:SUMMARY Polling state machine deciding when the remote model finished generating: complete, no-response or timeout.
// Package detect decides when a reply has finished generating. It polls a
// Probe once per interval and converges three imperfect signals: a new reply
// container appearing, a visible stop-generation control, and the latest
// reply text length staying unchanged for a stability window.
//
// Time is injected through Clock and elapsed time is counted in ticks, so the
// state machine runs in tests without a browser or wall-clock waits.
package detect

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the verdict of a wait cycle.
type Outcome int

const (
	// Complete means the reply text stabilised.
	Complete Outcome = iota
	// NoResponse means nothing happened after the send; it likely failed.
	NoResponse
	// Timeout means the ceiling was reached without stabilising. Callers
	// still extract: partial output beats none.
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case NoResponse:
		return "no_response"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Probe samples the page. Errors are treated as "no signal this tick".
type Probe interface {
	ResponseCount(ctx context.Context) (int, error)
	StopVisible(ctx context.Context) (bool, error)
	TextLength(ctx context.Context) (int, error)
}

// Clock blocks between polls.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock sleeps on the wall clock and honours context cancellation.
type RealClock struct{}

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config tunes the state machine. Zero values take the defaults below.
type Config struct {
	Interval        time.Duration // poll period, default 1s
	Ceiling         time.Duration // hard limit, default 120s
	Grace           time.Duration // sample text even without a start signal after this, default 5s
	NoResponseAfter time.Duration // give up when nothing started by then, default 30s
	StableSamples   int           // identical non-zero samples that declare completion, default 3
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 120 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.NoResponseAfter <= 0 {
		c.NoResponseAfter = 30 * time.Second
	}
	if c.StableSamples <= 0 {
		c.StableSamples = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Signal is the transient per-cycle state, returned for logging and tests.
type Signal struct {
	GenerationStarted      bool
	LastObservedTextLength int
	StableSampleCount      int
	Ticks                  int
	Elapsed                time.Duration
}

// Detector runs wait cycles. It holds no per-cycle state and can be reused.
type Detector struct {
	cfg   Config
	clock Clock
}

// New creates a Detector. A nil clock means RealClock.
func New(cfg Config, clock Clock) *Detector {
	cfg.defaults()
	if clock == nil {
		clock = RealClock{}
	}
	return &Detector{cfg: cfg, clock: clock}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Wait polls probe until the reply completes, the send looks lost, or the
// ceiling is hit. baseline is the reply container count observed before the
// message was sent. The only error returned is context cancellation.
func (d *Detector) Wait(ctx context.Context, probe Probe, baseline int) (Outcome, Signal, error) {
	var sig Signal
	log := d.cfg.Logger

	for tick := 1; ; tick++ {
		if err := d.clock.Sleep(ctx, d.cfg.Interval); err != nil {
			return Timeout, sig, err
		}
		sig.Ticks = tick
		sig.Elapsed = time.Duration(tick) * d.cfg.Interval

		if n, err := probe.ResponseCount(ctx); err != nil {
			log.Debug("detect: count failed", "error", err)
		} else if n > baseline {
			sig.GenerationStarted = true
		}

		stop, err := probe.StopVisible(ctx)
		if err != nil {
			log.Debug("detect: stop probe failed", "error", err)
		}
		if stop {
			// Still streaming: any stability seen so far does not count.
			sig.GenerationStarted = true
			sig.StableSampleCount = 0
		} else if sig.GenerationStarted || sig.Elapsed >= d.cfg.Grace {
			if d.sample(ctx, probe, &sig) {
				return Complete, sig, nil
			}
		}

		if !sig.GenerationStarted && sig.LastObservedTextLength == 0 && sig.Elapsed >= d.cfg.NoResponseAfter {
			log.Warn("detect: no reply activity", "elapsed", sig.Elapsed)
			return NoResponse, sig, nil
		}
		if sig.Elapsed >= d.cfg.Ceiling {
			log.Warn("detect: ceiling reached", "elapsed", sig.Elapsed, "text_len", sig.LastObservedTextLength)
			return Timeout, sig, nil
		}
	}
}

// sample reads the latest text length and advances the stability run.
// Empty text never counts towards stability.
func (d *Detector) sample(ctx context.Context, probe Probe, sig *Signal) bool {
	n, err := probe.TextLength(ctx)
	if err != nil {
		d.cfg.Logger.Debug("detect: text probe failed", "error", err)
		return false
	}
	if n <= 0 {
		return false
	}
	if n == sig.LastObservedTextLength {
		sig.StableSampleCount++
	} else {
		sig.LastObservedTextLength = n
		sig.StableSampleCount = 1
	}
	return sig.StableSampleCount >= d.cfg.StableSamples
}
