package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/receipt-capture/internal/fault"
)

// DefaultTimeout bounds a single recognition call.
const DefaultTimeout = 60 * time.Second

// HandleOptions tune a Handle.
type HandleOptions struct {
	// Timeout bounds each call; zero uses DefaultTimeout, negative disables it.
	Timeout time.Duration
	// Fault forces recognition failures when it returns true.
	Fault  fault.Predicate
	Now    func() time.Time
	Logger *slog.Logger
}

// Handle owns the process-wide OCR engine. The engine is created on first
// use and at most one recognition runs against it at a time.
type Handle struct {
	factory EngineFactory
	timeout time.Duration
	fault   fault.Predicate
	now     func() time.Time
	logger  *slog.Logger

	// slot is held while the engine is being created, used or closed
	slot   chan struct{}
	engine Engine
}

// NewHandle creates a Handle. No engine is created until the first call.
func NewHandle(factory EngineFactory, opts HandleOptions) *Handle {
	h := &Handle{
		factory: factory,
		timeout: opts.Timeout,
		fault:   opts.Fault,
		now:     opts.Now,
		logger:  opts.Logger,
		slot:    make(chan struct{}, 1),
	}
	if h.timeout == 0 {
		h.timeout = DefaultTimeout
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handle) acquire(ctx context.Context) error {
	select {
	case h.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) release() {
	<-h.slot
}

// Recognize runs the engine on image. Calls queue behind one another and
// the timeout covers both the wait for the engine and the call itself, so
// a caller stuck behind an engine that ignores cancellation still gives up
// in time. The slot stays held until the engine itself returns.
func (h *Handle) Recognize(ctx context.Context, image []byte, contentType string, progress ProgressFunc) (*Result, error) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if h.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := h.acquire(callCtx); err != nil {
		h.logger.Warn("Gave up waiting for OCR engine", "error", err)
		return nil, fmt.Errorf("%w: waiting for engine: %w", ErrRecognition, err)
	}

	if h.engine == nil {
		engine, err := h.factory(ctx)
		if err != nil {
			h.release()
			h.logger.Error("Failed to initialize OCR engine", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
		}
		h.logger.Info("OCR engine initialized")
		h.engine = engine
	}
	engine := h.engine

	if fault.Check(h.fault) {
		h.release()
		return nil, fmt.Errorf("%w: simulated engine error", ErrRecognition)
	}

	gate := &progressGate{fn: progress}
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer h.release()
		res, err := engine.Recognize(callCtx, image, contentType, gate.report)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		gate.stop()
		if out.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecognition, out.err)
		}
		if out.res == nil {
			return nil, fmt.Errorf("%w: engine returned no result", ErrRecognition)
		}
		res := *out.res
		res.ProcessedAt = h.now()
		gate.finish()
		return &res, nil
	case <-callCtx.Done():
		gate.stop()
		h.logger.Warn("OCR call abandoned", "error", callCtx.Err())
		return nil, fmt.Errorf("%w: %w", ErrRecognition, callCtx.Err())
	}
}

// Release closes the engine once any running call has finished. A later
// Recognize creates a fresh engine.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return fmt.Errorf("waiting for engine: %w", err)
	}
	defer h.release()

	if h.engine == nil {
		return nil
	}
	err := h.engine.Close()
	h.engine = nil
	if err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}

// progressGate forwards only non-decreasing percentages in [0,100] and
// drops everything once the caller has stopped listening.
type progressGate struct {
	mu       sync.Mutex
	fn       ProgressFunc
	last     int
	reported bool
	stopped  bool
}

func (g *progressGate) report(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fn == nil || g.stopped || (g.reported && percent <= g.last) {
		return
	}
	g.last = percent
	g.reported = true
	g.fn(percent)
}

func (g *progressGate) stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
}

// finish reports 100 on success if the engine never did.
func (g *progressGate) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fn != nil && (!g.reported || g.last < 100) {
		g.last = 100
		g.reported = true
		g.fn(100)
	}
}
