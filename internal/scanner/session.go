/**
 * Scan session - one run of the polling state machine
 *
 * Idle -> Scanning -> {CodeFound | StableReadingFound | NoStableReading | Cancelled | ErrorAborted}
 *
 * A single goroutine drives the ticks, so at most one aggregation pass is in
 * flight. Stop is cooperative: it is checked at tick entry, before every
 * recognizer call and before the next tick is scheduled. Results of calls that
 * were already running when stop was observed are dropped.
 */

package scanner

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/counterscan-worker/internal/aggregate"
	"github.com/adverant/nexus/counterscan-worker/internal/codedecode"
	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/frame"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/numeric"
	"github.com/adverant/nexus/counterscan-worker/internal/recognizer"
	"github.com/adverant/nexus/counterscan-worker/internal/region"
)

// statsInterval throttles stats publication to sinks
const statsInterval = time.Second

// Session is a running scan
type Session struct {
	id      string
	regions []region.Region
	opts    Options

	buffer     *frame.Buffer
	recognizer recognizer.Recognizer
	decoder    codedecode.Decoder
	extractor  numeric.Extractor
	aggregator aggregate.Aggregator
	sinks      []Sink
	metrics    *Metrics
	logger     *logging.Logger

	mu              sync.Mutex
	state           State
	ticks           int64
	recognizeCalls  int64
	samplesLastTick int
	lastError       error
	startedAt       time.Time
	result          Result

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	inFlight atomic.Bool
	done     chan struct{}
}

type tickKind int

const (
	tickContinue tickKind = iota
	tickBackoff
	tickCode
	tickReading
	tickCancelled
)

type tickOutcome struct {
	kind    tickKind
	code    *codedecode.Payload
	reading *aggregate.Reading
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Regions returns the session's region set
func (s *Session) Regions() []region.Region {
	out := make([]region.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Options returns the effective session options
func (s *Session) Options() Options { return s.opts }

// AddFrame pushes a frame into the session buffer. Frames arriving after the
// session finished are ignored.
func (s *Session) AddFrame(f *frame.Frame) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.buffer.Push(f); err != nil {
		s.metrics.frameRejected()
		return err
	}
	return nil
}

// Stop requests cancellation. It returns immediately; the session reaches
// Cancelled once the loop observes the request.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

// Done is closed when the session reaches a terminal state
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the final result once Done is closed
func (s *Session) Result() (Result, bool) {
	select {
	case <-s.done:
	default:
		return Result{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, true
}

// Wait blocks until the session finishes or ctx is done
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		r, _ := s.Result()
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a diagnostic snapshot
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SessionID:       s.id,
		State:           s.state,
		BufferOccupancy: s.buffer.Len(),
		BufferCapacity:  s.buffer.Cap(),
		TicksRun:        s.ticks,
		RecognizeCalls:  s.recognizeCalls,
		SamplesLastTick: s.samplesLastTick,
		StartedAt:       s.startedAt,
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

// run drives the session until a terminal state. ctx bounds the whole session.
func (s *Session) run(ctx context.Context) {
	if err := s.recognizer.Ready(ctx); err != nil {
		s.logger.Error("Recognizer not ready, aborting session", "backend", s.recognizer.Name(), "error", err)
		s.finish(StateErrorAborted, Result{
			Kind: KindError,
			Err:  errors.NewRecognitionUnavailableError(s.id, s.recognizer.Name(), err),
		})
		return
	}
	if s.stopped.Load() || ctx.Err() != nil {
		s.finish(StateCancelled, Result{Kind: KindCancelled})
		return
	}

	s.setState(StateScanning)
	s.logger.Info("Scan started", "regions", len(s.regions), "maxFrameBuffer", s.opts.MaxFrameBuffer)

	var deadline <-chan time.Time
	if s.opts.MaxDuration > 0 {
		t := time.NewTimer(s.opts.MaxDuration)
		defer t.Stop()
		deadline = t.C
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	lastStats := time.Time{}

	for {
		select {
		case <-s.stopCh:
			s.finish(StateCancelled, Result{Kind: KindCancelled})
			return
		case <-ctx.Done():
			s.finish(StateCancelled, Result{Kind: KindCancelled})
			return
		case <-deadline:
			s.mu.Lock()
			ticks := s.ticks
			s.mu.Unlock()
			s.finish(StateNoStableReading, Result{
				Kind: KindNoReading,
				Err:  errors.NewNoStableReadingError(s.id, ticks, s.opts.MaxDuration),
			})
			return
		case <-timer.C:
		}

		out := s.tick(ctx)

		switch out.kind {
		case tickCode:
			s.finish(StateCodeFound, Result{Kind: KindCode, Code: out.code})
			return
		case tickReading:
			s.finish(StateStableReadingFound, Result{Kind: KindReading, Reading: out.reading})
			return
		case tickCancelled:
			s.finish(StateCancelled, Result{Kind: KindCancelled})
			return
		}

		// Observed again before scheduling so a stop issued during the tick
		// never costs another pass.
		if s.stopped.Load() {
			s.finish(StateCancelled, Result{Kind: KindCancelled})
			return
		}

		if time.Since(lastStats) >= statsInterval {
			s.publishStats(ctx)
			lastStats = time.Now()
		}

		next := s.opts.TickInterval
		if out.kind == tickBackoff {
			next = s.opts.ErrorBackoff
		}
		timer.Reset(next)
	}
}

// tick runs one aggregation pass over the current buffer snapshot
func (s *Session) tick(ctx context.Context) tickOutcome {
	if !s.inFlight.CompareAndSwap(false, true) {
		return tickOutcome{kind: tickContinue}
	}
	defer s.inFlight.Store(false)

	if s.stopped.Load() {
		return tickOutcome{kind: tickCancelled}
	}

	start := time.Now()
	defer func() { s.metrics.tick(time.Since(start)) }()

	s.mu.Lock()
	s.ticks++
	tickNo := s.ticks
	s.mu.Unlock()

	frames := s.buffer.Snapshot()
	if len(frames) == 0 {
		return tickOutcome{kind: tickContinue}
	}

	if s.decoder != nil && !s.opts.SkipCodeDecode {
		newest := frames[len(frames)-1]
		payload, err := s.decoder.Decode(ctx, newest)
		if err != nil {
			s.logger.Debug("Code decode failed", "frameSeq", newest.Seq, "error", err)
		}
		if s.stopped.Load() {
			return tickOutcome{kind: tickCancelled}
		}
		if payload != nil {
			s.logger.Info("Code found", "format", payload.Format, "tick", tickNo)
			return tickOutcome{kind: tickCode, code: payload}
		}
	}

	samples := make([]numeric.Sample, 0, len(frames)*len(s.regions))
	for _, f := range frames {
		for _, r := range s.regions {
			if s.stopped.Load() {
				return tickOutcome{kind: tickCancelled}
			}

			sample, ok, err := s.sample(ctx, f, r)
			if err != nil {
				s.mu.Lock()
				s.lastError = err
				s.samplesLastTick = 0
				s.mu.Unlock()
				s.logger.Warn("Recognition failed, backing off", "tick", tickNo, "error", err)
				if s.stopped.Load() {
					return tickOutcome{kind: tickCancelled}
				}
				return tickOutcome{kind: tickBackoff}
			}
			if ok {
				samples = append(samples, sample)
			}
		}
	}

	if s.stopped.Load() {
		return tickOutcome{kind: tickCancelled}
	}

	reading := s.aggregator.Aggregate(s.extractor.ExtractAll(samples))

	s.mu.Lock()
	s.samplesLastTick = len(samples)
	s.mu.Unlock()

	if reading != nil {
		s.logger.Info("Stable reading found",
			"value", reading.Value,
			"confidence", reading.Confidence,
			"occurrences", reading.Occurrences,
			"tick", tickNo)
		return tickOutcome{kind: tickReading, reading: reading}
	}
	return tickOutcome{kind: tickContinue}
}

// sample crops r out of f and recognizes it. ok is false for an empty region.
func (s *Session) sample(ctx context.Context, f *frame.Frame, r region.Region) (numeric.Sample, bool, error) {
	crop, ok := region.Extract(f, r)
	if !ok {
		s.metrics.emptyRegion()
		s.logger.Debug("Region skipped", "error", errors.NewInvalidRegionGeometryError(r.Name, f.Seq))
		return numeric.Sample{}, false, nil
	}

	var img image.Image = crop
	if s.opts.Enhance {
		img = region.Enhance(crop)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RecognizeTimeout)
	start := time.Now()
	res, err := s.recognizer.Recognize(callCtx, img)
	cancel()
	s.metrics.recognize(time.Since(start), err)

	s.mu.Lock()
	s.recognizeCalls++
	s.mu.Unlock()

	if err != nil {
		return numeric.Sample{}, false, errors.NewTransientRecognitionError(s.id, r.Name, f.Seq, err)
	}
	if res == nil {
		return numeric.Sample{}, false, nil
	}

	return numeric.Sample{
		Region:     r.Name,
		Weight:     r.Weight(),
		FrameSeq:   f.Seq,
		RawText:    res.Text,
		Confidence: res.Confidence,
	}, true, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// finish records the terminal state and result, notifies sinks and closes done
func (s *Session) finish(st State, r Result) {
	s.mu.Lock()
	s.state = st
	r.SessionID = s.id
	r.Ticks = s.ticks
	r.StartedAt = s.startedAt
	r.FinishedAt = time.Now()
	s.result = r
	s.mu.Unlock()

	s.metrics.sessionFinished(r.Kind)
	s.logger.Info("Scan finished", "state", st, "kind", r.Kind, "ticks", r.Ticks)

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.publishStats(ctx)
	for _, sink := range s.sinks {
		if err := sink.SaveResult(ctx, r); err != nil {
			s.logger.Error("Failed to record scan result", "error", err)
		}
	}
}

func (s *Session) publishStats(ctx context.Context) {
	if len(s.sinks) == 0 {
		return
	}
	st := s.Stats()
	for _, sink := range s.sinks {
		if err := sink.PublishStats(ctx, st); err != nil {
			s.logger.Debug("Failed to publish stats", "error", err)
		}
	}
}
