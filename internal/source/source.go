// Package source streams documents from JSON Lines, JSON array and CSV
// files, local or over HTTP.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/metadata-extractor/internal/model"
)

// Format names an input layout.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// Options configures a Reader.
type Options struct {
	Path      string // file path or http(s) URL
	Format    Format // inferred from the extension when empty
	IDField   string // default "id"
	TextField string // default "text"
	Encoding  string // WHATWG label, e.g. "windows-1252"; empty means UTF-8
	MinLength int    // documents whose trimmed text is not longer than this are skipped
	Window    Window
}

// Window selects rows [Offset, Offset+Limit) by their position in the input.
// A Limit of 0 selects every row from Offset on.
type Window struct {
	Offset int
	Limit  int
}

// Contains reports whether row index i is selected.
func (w Window) Contains(i int) bool {
	return i >= w.Offset && (w.Limit <= 0 || i < w.Offset+w.Limit)
}

// Past reports whether row index i and every later row fall outside the window.
func (w Window) Past(i int) bool {
	return w.Limit > 0 && i >= w.Offset+w.Limit
}

// Reader streams documents from one input.
type Reader struct {
	opts Options
	http *HTTPFetcher
}

// NewReader validates opts and returns a Reader.
func NewReader(opts Options) (*Reader, error) {
	if opts.Path == "" {
		return nil, eris.New("source: path is required")
	}
	if opts.Format == "" {
		opts.Format = inferFormat(opts.Path)
	}
	switch opts.Format {
	case FormatJSONL, FormatJSON, FormatCSV:
	default:
		return nil, eris.Errorf("source: unsupported format %q", opts.Format)
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.TextField == "" {
		opts.TextField = "text"
	}
	if opts.Encoding != "" {
		if _, err := htmlindex.Get(opts.Encoding); err != nil {
			return nil, eris.Wrapf(err, "source: unsupported encoding %q", opts.Encoding)
		}
	}
	if opts.Window.Offset < 0 || opts.Window.Limit < 0 {
		return nil, eris.New("source: offset and limit must not be negative")
	}
	return &Reader{opts: opts, http: NewHTTPFetcher(HTTPOptions{})}, nil
}

func inferFormat(path string) Format {
	p := strings.ToLower(path)
	if i := strings.IndexAny(p, "?#"); i >= 0 && isURL(path) {
		p = p[:i]
	}
	switch {
	case strings.HasSuffix(p, ".csv"):
		return FormatCSV
	case strings.HasSuffix(p, ".json"):
		return FormatJSON
	default:
		return FormatJSONL
	}
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// Stream opens the input and sends every selected document. Both channels
// are closed when the input is exhausted, the window is passed, or ctx ends.
func (r *Reader) Stream(ctx context.Context) (<-chan model.Document, <-chan error) {
	docCh := make(chan model.Document, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(docCh)
		defer close(errCh)

		body, err := r.open(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer body.Close() //nolint:errcheck

		var in io.Reader = body
		if r.opts.Encoding != "" {
			enc, _ := htmlindex.Get(r.opts.Encoding)
			in = enc.NewDecoder().Reader(body)
		}

		rowCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var rows <-chan map[string]any
		var rowErrs <-chan error
		switch r.opts.Format {
		case FormatCSV:
			rows, rowErrs = streamCSV(rowCtx, in)
		case FormatJSON:
			rows, rowErrs = streamJSONArray(rowCtx, in)
		default:
			rows, rowErrs = streamJSONLines(rowCtx, in)
		}

		var index, skipped int
		passed := false
		for rec := range rows {
			i := index
			index++
			if r.opts.Window.Past(i) {
				passed = true
				cancel()
				break
			}
			if !r.opts.Window.Contains(i) {
				continue
			}

			doc, ok := r.document(rec, i)
			if !ok {
				skipped++
				continue
			}

			select {
			case docCh <- doc:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "source: context cancelled")
				return
			}
		}
		// Drain so the producer goroutine can exit after cancel.
		for range rows {
		}

		if skipped > 0 {
			zap.L().Info("source: skipped short or empty documents",
				zap.String("path", r.opts.Path),
				zap.Int("skipped", skipped),
				zap.Int("min_length", r.opts.MinLength),
			)
		}

		if ctx.Err() != nil {
			errCh <- eris.Wrap(ctx.Err(), "source: context cancelled")
			return
		}
		if err := <-rowErrs; err != nil && !passed {
			errCh <- err
		}
	}()

	return docCh, errCh
}

func (r *Reader) open(ctx context.Context) (io.ReadCloser, error) {
	if isURL(r.opts.Path) {
		return r.http.Download(ctx, r.opts.Path)
	}
	f, err := os.Open(r.opts.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", r.opts.Path)
	}
	return f, nil
}

// document maps a decoded row to a Document. Rows without an id use their
// 0-based position.
func (r *Reader) document(row map[string]any, index int) (model.Document, bool) {
	text := stringify(row[r.opts.TextField])
	if len(strings.TrimSpace(text)) <= r.opts.MinLength {
		return model.Document{}, false
	}

	id := strings.TrimSpace(stringify(row[r.opts.IDField]))
	if id == "" {
		id = strconv.Itoa(index)
	}
	return model.Document{ID: id, Text: text}, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
