package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

type row = map[string]any

// streamJSONLines decodes consecutive JSON objects.
func streamJSONLines(ctx context.Context, r io.Reader) (<-chan row, <-chan error) {
	outCh := make(chan row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()
		for line := 1; ; line++ {
			var item row
			err := decoder.Decode(&item)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "jsonl: decode record %d", line)
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outCh, errCh
}

// streamJSONArray decodes the elements of a top-level array one at a time.
func streamJSONArray(ctx context.Context, r io.Reader) (<-chan row, <-chan error) {
	outCh := make(chan row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item row
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// streamCSV maps every record to its header names. Quoted fields may span
// lines.
func streamCSV(ctx context.Context, r io.Reader) (<-chan row, <-chan error) {
	outCh := make(chan row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			item := make(row, len(header))
			for i, name := range header {
				if i < len(record) {
					item[name] = record[i]
				}
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outCh, errCh
}
