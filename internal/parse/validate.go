package parse

import (
	"encoding/xml"
	"io"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/schema"
)

// Validate parses a sanitized block and checks every schema field. Element
// names are matched by key (case-insensitive, dashes as underscores);
// elements the schema does not declare are ignored.
func Validate(block string, s *schema.Schema) (*model.ExtractionRecord, error) {
	values, err := collect(block, s.Root)
	if err != nil {
		return nil, err
	}

	rec := &model.ExtractionRecord{}
	for _, f := range s.Fields {
		found := values[f.Key]
		if len(found) != 1 {
			return nil, &ValidationError{Kind: KindMissingField, Field: f.Key, Count: len(found)}
		}
		v := found[0]

		fv := model.FieldValue{Key: f.Key, Kind: f.Kind, Value: v}
		switch f.Kind {
		case model.FieldEnum:
			if !slices.Contains(f.Allowed, v) {
				return nil, &ValidationError{Kind: KindInvalidEnumValue, Field: f.Key, Value: v}
			}
		case model.FieldBoolean:
			switch v {
			case s.TrueToken:
				fv.Flag = true
			case s.FalseToken:
			default:
				return nil, &ValidationError{Kind: KindInvalidBoolean, Field: f.Key, Value: v}
			}
		}

		if s.IsRationale(f) {
			rec.Rationale = v
			continue
		}
		rec.Fields = append(rec.Fields, fv)
	}
	return rec, nil
}

// Parse runs Sanitize then Validate.
func Parse(raw string, s *schema.Schema) (*model.ExtractionRecord, error) {
	block, err := Sanitize(raw, s)
	if err != nil {
		return nil, err
	}
	return Validate(block, s)
}

// collect returns the trimmed text of every direct child of the root,
// grouped by key. Text of nested elements is folded into their parent field.
func collect(block, root string) (map[string][]string, error) {
	dec := xml.NewDecoder(strings.NewReader(block))
	dec.Strict = true

	values := make(map[string][]string)
	var (
		depth   int
		sawRoot bool
		current string
		text    strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if sawRoot {
					return nil, malformed(eris.New("multiple root elements"))
				}
				if t.Name.Local != root {
					return nil, malformed(eris.Errorf("unexpected root element <%s>", t.Name.Local))
				}
				sawRoot = true
			case 2:
				current = schema.KeyFor(t.Name.Local)
				text.Reset()
			}
		case xml.EndElement:
			if depth == 2 {
				values[current] = append(values[current], strings.TrimSpace(text.String()))
			}
			depth--
		case xml.CharData:
			switch {
			case depth >= 2:
				text.Write(t)
			case depth == 0 && strings.TrimSpace(string(t)) != "":
				return nil, malformed(eris.New("text outside the root element"))
			}
		}
	}

	if !sawRoot {
		return nil, malformed(eris.New("no root element"))
	}
	return values, nil
}

func malformed(err error) *ValidationError {
	return &ValidationError{Kind: KindMalformed, Err: err}
}
