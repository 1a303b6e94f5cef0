package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/model"
)

const logRule = "###############################################################################"

// AnalysisLog appends a human-readable block per successful document.
type AnalysisLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	keys   []string
}

// OpenAnalysisLog opens path for appending and writes the run header. keys
// orders the metadata lines of each block.
func OpenAnalysisLog(path string, keys []string, now time.Time) (*AnalysisLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: open analysis log %s", path)
	}
	l := NewAnalysisLog(f, keys)
	l.closer = f
	if _, err := fmt.Fprintf(f, "Starting at: %s\n\n", now.Format(time.DateTime)); err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "pipeline: write analysis log %s", path)
	}
	return l, nil
}

// NewAnalysisLog writes blocks to w without a header.
func NewAnalysisLog(w io.Writer, keys []string) *AnalysisLog {
	return &AnalysisLog{w: w, keys: keys}
}

// Write appends the block for one document.
func (l *AnalysisLog) Write(id string, rec *model.ExtractionRecord) error {
	var b strings.Builder
	b.WriteString("\n" + logRule + "\n")
	fmt.Fprintf(&b, "Document: %s\n\n", id)
	b.WriteString("Reasoning:\n")
	b.WriteString(rec.Rationale)
	b.WriteString("\n\nMetadata:\n")
	for _, k := range l.keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, rec.Text(k))
	}
	b.WriteString(logRule + "\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, b.String()); err != nil {
		return eris.Wrap(err, "pipeline: write analysis log")
	}
	return nil
}

// Close closes the underlying file, if any.
func (l *AnalysisLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
