package model

import "time"

// FieldKind is the value domain of a schema field.
type FieldKind string

const (
	FieldEnum     FieldKind = "enum"
	FieldBoolean  FieldKind = "boolean"
	FieldFreeText FieldKind = "freetext"
)

// Document is one item produced by a source: a stable identifier and its text.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ExtractionRequest is one logical extraction for one source document.
// Preset is the primary model variant the request starts on.
type ExtractionRequest struct {
	ID       string `json:"id"`
	Document string `json:"document"`
	Preset   string `json:"preset"`
}

// AttemptOutcome tags the result of a single model call.
type AttemptOutcome string

const (
	AttemptSuccess          AttemptOutcome = "success"
	AttemptValidationFailed AttemptOutcome = "validation_failed"
	AttemptTransportFailed  AttemptOutcome = "transport_failed"
)

// Attempt is one issued model call for a request. Attempts are never mutated
// after their outcome is set; a retry is a new Attempt.
type Attempt struct {
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	Index         int            `json:"index"` // 1-based, per preset phase
	Preset        string         `json:"preset"`
	RawResponse   *string        `json:"raw_response,omitempty"` // nil on transport failure
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// Failed reports whether the attempt did not produce a valid record.
func (a Attempt) Failed() bool {
	return a.Outcome != AttemptSuccess
}

// FieldValue is one typed value of an ExtractionRecord. Value holds the
// literal token as emitted by the model; Flag is set for boolean fields.
type FieldValue struct {
	Key   string    `json:"key"`
	Kind  FieldKind `json:"kind"`
	Value string    `json:"value"`
	Flag  bool      `json:"flag,omitempty"`
}

// ExtractionRecord is a schema-valid result for one document.
type ExtractionRecord struct {
	Rationale string       `json:"rationale"`
	Fields    []FieldValue `json:"fields"`
}

// Get returns the field with the given key.
func (r *ExtractionRecord) Get(key string) (FieldValue, bool) {
	if r == nil {
		return FieldValue{}, false
	}
	for _, f := range r.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldValue{}, false
}

// Text returns the raw value of a field, or "" if absent.
func (r *ExtractionRecord) Text(key string) string {
	f, _ := r.Get(key)
	return f.Value
}

// Flag returns the boolean value of a boolean field.
func (r *ExtractionRecord) Flag(key string) bool {
	f, ok := r.Get(key)
	return ok && f.Kind == FieldBoolean && f.Flag
}

// Values flattens the record into a column map: booleans as bool, everything
// else as string.
func (r *ExtractionRecord) Values() map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		if f.Kind == FieldBoolean {
			out[f.Key] = f.Flag
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

// PresetStats holds the accumulated counters of one model variant.
type PresetStats struct {
	Preset          string `json:"preset"`
	SuccessCount    int64  `json:"success_count"`
	FailureCount    int64  `json:"failure_count"`
	RetryErrorCount int64  `json:"retry_error_count"`
}

// StatDelta is an increment to apply to one preset's counters.
type StatDelta struct {
	Preset     string `json:"preset"`
	Success    int64  `json:"success"`
	Failure    int64  `json:"failure"`
	RetryError int64  `json:"retry_error"`
}

// IsZero reports whether applying the delta would change nothing.
func (d StatDelta) IsZero() bool {
	return d.Success == 0 && d.Failure == 0 && d.RetryError == 0
}

// Outcome is everything committed for a request in one transaction.
type Outcome struct {
	RequestID     string            `json:"request_id"`
	PrimaryPreset string            `json:"primary_preset"`
	Preset        string            `json:"preset"` // preset that succeeded, or the last one tried
	Success       bool              `json:"success"`
	Record        *ExtractionRecord `json:"record,omitempty"`
	Attempts      []Attempt         `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	Deltas        []StatDelta       `json:"deltas"`
}

// ResultRow is a stored per-request outcome.
type ResultRow struct {
	Identifier    string         `json:"identifier"`
	Preset        string         `json:"preset"`
	PrimaryPreset string         `json:"primary_preset"`
	Success       bool           `json:"success"`
	Rationale     *string        `json:"rationale,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
