/**
 * Scan engine
 *
 * Owns the injected recognition and code decode backends and the table of scan
 * sessions. One engine serves every transport (HTTP, websocket, batch queue).
 */

package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/counterscan-worker/internal/aggregate"
	"github.com/adverant/nexus/counterscan-worker/internal/codedecode"
	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/frame"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/numeric"
	"github.com/adverant/nexus/counterscan-worker/internal/recognizer"
	"github.com/adverant/nexus/counterscan-worker/internal/region"
)

// DefaultRetention is how long finished sessions stay queryable
const DefaultRetention = 10 * time.Minute

// Sink receives finished results and periodic stats
type Sink interface {
	SaveResult(ctx context.Context, r Result) error
	PublishStats(ctx context.Context, st Stats) error
}

// EngineConfig wires an Engine
type EngineConfig struct {
	Recognizer  recognizer.Recognizer // required
	Decoder     codedecode.Decoder    // optional, nil disables code decoding
	Recognition recognizer.Options
	Defaults    Options
	Sinks       []Sink
	Metrics     *Metrics
	Retention   time.Duration
}

// Engine creates and tracks scan sessions
type Engine struct {
	recognizer recognizer.Recognizer
	decoder    codedecode.Decoder
	defaults   Options
	sinks      []Sink
	metrics    *Metrics
	retention  time.Duration
	logger     *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewEngine configures the recognizer and returns an engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}

	defaults := cfg.Defaults.withDefaults(DefaultOptions())
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	recOpts := cfg.Recognition
	if recOpts == (recognizer.Options{}) {
		recOpts = recognizer.DefaultOptions()
	}
	if err := validate.Struct(recOpts); err != nil {
		return nil, errors.NewInvalidOptionsError(err)
	}
	if err := cfg.Recognizer.Configure(recOpts); err != nil {
		return nil, fmt.Errorf("failed to configure recognizer: %w", err)
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Engine{
		recognizer: cfg.Recognizer,
		decoder:    cfg.Decoder,
		defaults:   defaults,
		sinks:      cfg.Sinks,
		metrics:    cfg.Metrics,
		retention:  retention,
		logger:     logging.NewLogger("ScanEngine"),
		sessions:   make(map[string]*Session),
	}, nil
}

// Defaults returns the engine's default session options
func (e *Engine) Defaults() Options { return e.defaults }

// StartScan validates regions and options and starts a session. Contract
// violations are returned synchronously; a recognizer that never becomes ready
// ends the session in ErrorAborted instead. ctx bounds the session's lifetime,
// so transports pass a long-lived context rather than a request context.
func (e *Engine) StartScan(ctx context.Context, regions []region.Region, opts Options) (*Session, error) {
	if err := region.Validate(regions); err != nil {
		return nil, err
	}

	opts = opts.withDefaults(e.defaults)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := &Session{
		id:         id,
		regions:    append([]region.Region(nil), regions...),
		opts:       opts,
		buffer:     frame.NewBuffer(opts.MaxFrameBuffer),
		recognizer: e.recognizer,
		decoder:    e.decoder,
		extractor:  numeric.NewExtractor(opts.MinValue, opts.MaxValue),
		aggregator: aggregate.New(opts.MinOccurrences, opts.MinValue, opts.MaxValue),
		sinks:      e.sinks,
		metrics:    e.metrics,
		logger:     logging.NewLogger("ScanSession").With("sessionId", id),
		state:      StateIdle,
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	e.metrics.sessionStarted()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run(ctx)
		time.AfterFunc(e.retention, func() { e.forget(id) })
	}()

	return s, nil
}

// Session looks up a session by id
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NewSessionNotFoundError(id)
	}
	return s, nil
}

// AddFrame pushes a frame into a session's buffer
func (e *Engine) AddFrame(id string, f *frame.Frame) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	return s.AddFrame(f)
}

// StopScan requests cancellation of a session
func (e *Engine) StopScan(id string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// GetStats returns diagnostics for a session
func (e *Engine) GetStats(id string) (Stats, error) {
	s, err := e.Session(id)
	if err != nil {
		return Stats{}, err
	}
	return s.Stats(), nil
}

// Result returns a session's final result; ok is false while it still runs
func (e *Engine) Result(id string) (r Result, ok bool, err error) {
	s, err := e.Session(id)
	if err != nil {
		return Result{}, false, err
	}
	r, ok = s.Result()
	return r, ok, nil
}

// ActiveSessions counts sessions that have not finished
func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, s := range e.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops every session and waits for their loops to exit
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	for _, s := range e.sessions {
		s.Stop()
	}
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("All scan sessions stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}
