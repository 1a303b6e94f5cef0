package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metadata-extractor/internal/attempt"
	"github.com/sells-group/metadata-extractor/internal/invoke"
	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/recorder"
	"github.com/sells-group/metadata-extractor/internal/resilience"
	"github.com/sells-group/metadata-extractor/internal/schema"
	"github.com/sells-group/metadata-extractor/internal/store"
)

type sliceSource struct {
	docs []model.Document
	err  error
}

func (s *sliceSource) Stream(ctx context.Context) (<-chan model.Document, <-chan error) {
	docCh := make(chan model.Document)
	errCh := make(chan error, 1)
	go func() {
		defer close(docCh)
		defer close(errCh)
		for _, d := range s.docs {
			select {
			case docCh <- d:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if s.err != nil {
			errCh <- s.err
		}
	}()
	return docCh, errCh
}

func docs(n int) []model.Document {
	out := make([]model.Document, n)
	for i := range out {
		out[i] = model.Document{ID: fmt.Sprintf("doc-%d", i), Text: fmt.Sprintf("article number %d", i)}
	}
	return out
}

type incomplete struct{}

func (incomplete) Generate(_ context.Context, call invoke.Call) (*invoke.Response, error) {
	return &invoke.Response{CorrelationID: call.CorrelationID, Text: "<analysis><reasoning>hm</reasoning></analysis>"}, nil
}

type harness struct {
	store    *store.SQLiteStore
	driver   *Driver
	log      *bytes.Buffer
	schema   *schema.Schema
	primary  string
	fallback string
}

func newHarness(t *testing.T, src Source, primary, fallback string) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	s := schema.Default()
	router := invoke.NewRouter(nil)
	router.Register("stub", invoke.Route{Backend: &invoke.StubBackend{Schema: s}})
	router.Register("broken", invoke.Route{Backend: incomplete{}})

	ctrl := attempt.New(router, s, func(req model.ExtractionRequest) (string, error) {
		return "classify: " + req.Document, nil
	}, attempt.NewCorrelationSource(), attempt.Config{
		PrimaryPreset:        primary,
		FallbackPreset:       fallback,
		MaxAttemptsPerPreset: 3,
		Backoff:              resilience.FixedBackoff(3, time.Millisecond),
		Timeout:              time.Second,
	})

	buf := &bytes.Buffer{}
	rec := recorder.New(st, resilience.FixedBackoff(2, time.Millisecond))
	d := NewDriver(src, ctrl, rec, st, Options{
		Concurrency: 3,
		Log:         NewAnalysisLog(buf, s.Keys()),
	})
	return &harness{store: st, driver: d, log: buf, schema: s, primary: primary, fallback: fallback}
}

func TestDriver_AllSucceed(t *testing.T) {
	h := newHarness(t, &sliceSource{docs: docs(5)}, "stub", "")

	sum, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Processed)
	assert.Equal(t, int64(5), sum.Succeeded)
	assert.False(t, sum.Interrupted)

	stats, err := h.store.GetPresetStats(context.Background(), "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.SuccessCount)
	assert.Zero(t, stats.FailureCount)

	assert.Equal(t, 5, strings.Count(h.log.String(), "Reasoning:"))
	assert.Contains(t, h.log.String(), "Document: doc-3")
	assert.Contains(t, h.log.String(), "entity_class: ")
}

func TestDriver_RerunSkipsSucceeded(t *testing.T) {
	src := &sliceSource{docs: docs(4)}
	h := newHarness(t, src, "stub", "")

	_, err := h.driver.Run(context.Background())
	require.NoError(t, err)

	sum, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Skipped)
	assert.Zero(t, sum.Processed)

	stats, err := h.store.GetPresetStats(context.Background(), "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.SuccessCount)
}

func TestDriver_EscalatesToFallback(t *testing.T) {
	h := newHarness(t, &sliceSource{docs: docs(2)}, "broken", "stub")

	sum, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Succeeded)

	broken, err := h.store.GetPresetStats(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, int64(2), broken.FailureCount)
	assert.Zero(t, broken.SuccessCount)

	stub, err := h.store.GetPresetStats(context.Background(), "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.SuccessCount)

	row, err := h.store.GetResult(context.Background(), "doc-0")
	require.NoError(t, err)
	assert.True(t, row.Success)
	assert.Equal(t, "stub", row.Preset)
	assert.Equal(t, "broken", row.PrimaryPreset)
	assert.Equal(t, 4, row.Attempts)

	attempts, err := h.store.ListAttempts(context.Background(), "doc-0")
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	for _, a := range attempts[:3] {
		assert.Equal(t, model.AttemptValidationFailed, a.Outcome)
		assert.Equal(t, "missing_field", a.ErrorKind)
	}
}

func TestDriver_ExhaustedIsRecorded(t *testing.T) {
	h := newHarness(t, &sliceSource{docs: docs(1)}, "broken", "")

	sum, err := h.driver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Exhausted)
	assert.Zero(t, h.log.Len())

	row, err := h.store.GetResult(context.Background(), "doc-0")
	require.NoError(t, err)
	assert.False(t, row.Success)
	assert.Nil(t, row.Fields)
	assert.NotEmpty(t, row.LastError)
}

func TestDriver_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, &sliceSource{docs: docs(3)}, "stub", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := h.driver.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Zero(t, sum.Succeeded)
}

func TestDriver_SourceError(t *testing.T) {
	h := newHarness(t, &sliceSource{docs: docs(1), err: errors.New("truncated input")}, "stub", "")

	sum, err := h.driver.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated input")
	assert.Equal(t, int64(1), sum.Succeeded)
}

type fixedRunner struct{ state attempt.State }

func (r fixedRunner) Run(_ context.Context, req model.ExtractionRequest) (*attempt.Resolution, error) {
	return &attempt.Resolution{Request: req, State: r.state}, nil
}

type failingRecorder struct{ calls atomic.Int32 }

func (r *failingRecorder) Record(_ context.Context, res *attempt.Resolution) (recorder.Status, error) {
	r.calls.Add(1)
	return "", &recorder.PersistenceError{RequestID: res.Request.ID, Err: errors.New("disk full")}
}

func TestDriver_PersistenceErrorIsFatal(t *testing.T) {
	rec := &failingRecorder{}
	d := NewDriver(&sliceSource{docs: docs(50)}, fixedRunner{state: attempt.StateExhausted}, rec, nil, Options{Concurrency: 1})

	_, err := d.Run(context.Background())
	require.Error(t, err)
	var pe *recorder.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Less(t, rec.calls.Load(), int32(50))
}

func TestDriver_AbandonedNotRecorded(t *testing.T) {
	rec := &failingRecorder{}
	d := NewDriver(&sliceSource{docs: docs(3)}, fixedRunner{state: attempt.StateAbandoned}, rec, nil, Options{Concurrency: 2})

	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Abandoned)
	assert.Zero(t, rec.calls.Load())
}

type promptFailure struct{}

func (promptFailure) Run(context.Context, model.ExtractionRequest) (*attempt.Resolution, error) {
	return nil, errors.New("template missing")
}

func TestDriver_RunnerErrorIsFatal(t *testing.T) {
	d := NewDriver(&sliceSource{docs: docs(2)}, promptFailure{}, &failingRecorder{}, nil, Options{})
	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template missing")
}

type brokenChecker struct{}

func (brokenChecker) HasSucceeded(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestDriver_CheckerErrorIsFatal(t *testing.T) {
	rec := &failingRecorder{}
	d := NewDriver(&sliceSource{docs: docs(2)}, fixedRunner{state: attempt.StateSuccess}, rec, brokenChecker{}, Options{})
	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, rec.calls.Load())
}

type okRecorder struct{}

func (okRecorder) Record(context.Context, *attempt.Resolution) (recorder.Status, error) {
	return recorder.StatusRecorded, nil
}

func TestDriver_Pause(t *testing.T) {
	d := NewDriver(&sliceSource{docs: docs(3)}, fixedRunner{state: attempt.StateExhausted}, okRecorder{}, nil, Options{
		Concurrency: 1,
		Pause:       20 * time.Millisecond,
	})

	start := time.Now()
	sum, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Exhausted)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestOpenAnalysisLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.log")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l, err := OpenAnalysisLog(path, []string{"domain"}, now)
	require.NoError(t, err)
	require.NoError(t, l.Write("p1", &model.ExtractionRecord{
		Rationale: "It is about rivers.",
		Fields:    []model.FieldValue{{Key: "domain", Kind: model.FieldEnum, Value: "geography"}},
	}))
	require.NoError(t, l.Close())

	l, err = OpenAnalysisLog(path, nil, now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	content := readFile(t, path)
	assert.True(t, strings.HasPrefix(content, "Starting at: 2026-03-01 12:00:00\n\n"))
	assert.Contains(t, content, "Reasoning:\nIt is about rivers.\n")
	assert.Contains(t, content, "  domain: geography\n")
	assert.Contains(t, content, "Starting at: 2026-03-01 13:00:00")
}

func TestOpenAnalysisLog_BadPath(t *testing.T) {
	_, err := OpenAnalysisLog(filepath.Join(t.TempDir(), "missing", "a.log"), nil, time.Now())
	require.Error(t, err)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}
