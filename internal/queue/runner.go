package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/region"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

// Engine is the part of scanner.Engine a runner needs
type Engine interface {
	StartScan(ctx context.Context, regions []region.Region, opts scanner.Options) (*scanner.Session, error)
	Defaults() scanner.Options
}

// Runner replays a job's frames through a scan session
type Runner struct {
	engine        Engine
	defaultPreset string
	logger        *logging.Logger
}

// NewRunner creates a runner; jobs without regions or preset use defaultPreset
func NewRunner(engine Engine, defaultPreset string) *Runner {
	return &Runner{
		engine:        engine,
		defaultPreset: defaultPreset,
		logger:        logging.NewLogger("JobRunner"),
	}
}

// Run scans job and returns the session result. Frames are fed one per tick so
// every frame is sampled at least once; after the last frame the session gets
// one buffer's worth of ticks to settle before it is stopped. A stopped session
// means the frames were exhausted without a stable reading.
//
// The returned error covers requests that could not start and sessions that
// ended in ErrorAborted; a cancelled or no_reading result is not an error.
func (r *Runner) Run(ctx context.Context, job *ScanJob) (scanner.Result, error) {
	if err := job.Validate(); err != nil {
		return scanner.Result{}, err
	}

	preset := job.Preset
	if preset == "" {
		preset = r.defaultPreset
	}
	regions, err := region.Resolve(preset, job.Regions)
	if err != nil {
		return scanner.Result{}, err
	}

	opts, err := job.Options.Apply(r.engine.Defaults())
	if err != nil {
		return scanner.Result{}, err
	}

	frames, err := job.decodeFrames()
	if err != nil {
		return scanner.Result{}, err
	}

	session, err := r.engine.StartScan(ctx, regions, opts)
	if err != nil {
		return scanner.Result{}, err
	}
	log := r.logger.With("jobId", job.JobID, "sessionId", session.ID())
	log.Info("Scanning job frames", "frames", len(frames), "regions", len(regions))

	settle := session.Options().MaxFrameBuffer
	tick := session.Options().TickInterval

feed:
	for i, f := range frames {
		if err := session.AddFrame(f); err != nil {
			log.Warn("Frame rejected", "frame", i, "error", err)
			continue
		}
		if !r.awaitTicks(ctx, session, 1, tick) {
			break feed
		}
	}

	if r.awaitTicks(ctx, session, settle, tick) {
		session.Stop()
	}

	result, err := session.Wait(ctx)
	if err != nil {
		session.Stop()
		return scanner.Result{}, fmt.Errorf("job %s: %w", job.JobID, err)
	}

	log.Info("Job scan finished", "kind", result.Kind, "ticks", result.Ticks)
	if result.Kind == scanner.KindError {
		return result, result.Err
	}
	return result, nil
}

// awaitTicks waits until the session has run n more ticks. It returns false
// once the session is done or ctx ends.
func (r *Runner) awaitTicks(ctx context.Context, s *scanner.Session, n int, poll time.Duration) bool {
	target := s.Stats().TicksRun + int64(n)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.Done():
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if s.Stats().TicksRun >= target {
				return true
			}
		}
	}
}
