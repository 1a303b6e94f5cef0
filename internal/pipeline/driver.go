// Package pipeline drives a batch of documents through the attempt
// controller and records every terminal outcome.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/metadata-extractor/internal/attempt"
	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/recorder"
	"github.com/sells-group/metadata-extractor/internal/resilience"
)

// Source streams input documents.
type Source interface {
	Stream(ctx context.Context) (<-chan model.Document, <-chan error)
}

// Runner resolves one extraction request.
type Runner interface {
	Run(ctx context.Context, req model.ExtractionRequest) (*attempt.Resolution, error)
}

// Recorder persists a resolution.
type Recorder interface {
	Record(ctx context.Context, res *attempt.Resolution) (recorder.Status, error)
}

// SuccessChecker reports identifiers that already have a successful result.
type SuccessChecker interface {
	HasSucceeded(ctx context.Context, identifier string) (bool, error)
}

// Options tunes a Driver.
type Options struct {
	Preset      string        // primary preset; empty uses the controller's default
	Concurrency int           // documents in flight
	Pause       time.Duration // wait after each document, per worker
	Log         *AnalysisLog  // optional
}

// Summary counts what happened to each document of a run.
type Summary struct {
	Processed   int64 `json:"processed"`
	Succeeded   int64 `json:"succeeded"`
	Exhausted   int64 `json:"exhausted"`
	Abandoned   int64 `json:"abandoned"`
	Skipped     int64 `json:"skipped"`
	Duplicate   int64 `json:"duplicate"`
	Interrupted bool  `json:"interrupted"`
}

// Driver runs documents through a Runner with bounded concurrency.
type Driver struct {
	src     Source
	runner  Runner
	rec     Recorder
	checker SuccessChecker
	opts    Options
}

// NewDriver wires a Driver. checker may be nil to process every document.
func NewDriver(src Source, runner Runner, rec Recorder, checker SuccessChecker, opts Options) *Driver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Driver{src: src, runner: runner, rec: rec, checker: checker, opts: opts}
}

type counters struct {
	processed, succeeded, exhausted, abandoned, skipped, duplicate atomic.Int64
}

// Run processes the source until it is exhausted or ctx is cancelled.
// Cancellation is a graceful stop: in-flight model calls finish, their
// documents are abandoned, and Run returns the summary without error. The
// error return is reserved for source, prompt and persistence failures.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	srcCtx, stopSource := context.WithCancel(gctx)
	defer stopSource()
	docCh, srcErr := d.src.Stream(srcCtx)

	var c counters
	var fatal error
	early := false

	zap.L().Info("pipeline: starting run",
		zap.String("preset", d.opts.Preset),
		zap.Int("concurrency", d.opts.Concurrency),
	)

	for doc := range docCh {
		if gctx.Err() != nil {
			early = true
			break
		}

		if d.checker != nil {
			done, err := d.checker.HasSucceeded(gctx, doc.ID)
			if err != nil {
				if gctx.Err() == nil {
					fatal = eris.Wrapf(err, "pipeline: check %s", doc.ID)
				}
				early = true
				break
			}
			if done {
				c.skipped.Add(1)
				zap.L().Debug("pipeline: already extracted, skipping", zap.String("request_id", doc.ID))
				continue
			}
		}

		req := model.ExtractionRequest{ID: doc.ID, Document: doc.Text, Preset: d.opts.Preset}
		g.Go(func() error {
			return d.process(gctx, req, &c)
		})
	}
	// Unblock the producer if we stopped early.
	stopSource()
	for range docCh {
	}

	werr := g.Wait()
	if werr == nil {
		werr = fatal
	}
	sum := c.summary()
	sum.Interrupted = ctx.Err() != nil

	if werr != nil {
		return sum, werr
	}
	if err := <-srcErr; err != nil && !early && ctx.Err() == nil {
		return sum, eris.Wrap(err, "pipeline: source")
	}

	zap.L().Info("pipeline: run complete",
		zap.Int64("processed", sum.Processed),
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("exhausted", sum.Exhausted),
		zap.Int64("abandoned", sum.Abandoned),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("duplicate", sum.Duplicate),
		zap.Bool("interrupted", sum.Interrupted),
	)
	return sum, nil
}

func (d *Driver) process(ctx context.Context, req model.ExtractionRequest, c *counters) error {
	log := zap.L().With(zap.String("request_id", req.ID))
	c.processed.Add(1)

	res, err := d.runner.Run(ctx, req)
	if err != nil {
		return eris.Wrapf(err, "pipeline: run %s", req.ID)
	}

	switch res.State {
	case attempt.StateSuccess:
		c.succeeded.Add(1)
	case attempt.StateExhausted:
		c.exhausted.Add(1)
	default:
		c.abandoned.Add(1)
		log.Info("pipeline: document abandoned", zap.Int("attempts", len(res.History)))
		return nil
	}

	status, err := d.rec.Record(ctx, res)
	if err != nil {
		return err
	}
	if status == recorder.StatusDuplicate {
		c.duplicate.Add(1)
	}

	if res.State == attempt.StateSuccess && d.opts.Log != nil {
		if err := d.opts.Log.Write(req.ID, res.Record); err != nil {
			log.Warn("pipeline: analysis log write failed", zap.Error(err))
		}
	}

	if d.opts.Pause > 0 {
		log.Debug("pipeline: pausing", zap.Duration("pause", d.opts.Pause))
		_ = resilience.Sleep(ctx, d.opts.Pause)
	}
	return nil
}

func (c *counters) summary() *Summary {
	return &Summary{
		Processed: c.processed.Load(),
		Succeeded: c.succeeded.Load(),
		Exhausted: c.exhausted.Load(),
		Abandoned: c.abandoned.Load(),
		Skipped:   c.skipped.Load(),
		Duplicate: c.duplicate.Load(),
	}
}
