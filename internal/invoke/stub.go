package invoke

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/schema"
)

// StubBackend answers every call with a schema-valid block without calling
// any provider. Values are picked deterministically from the prompt.
type StubBackend struct {
	Schema *schema.Schema
}

// Generate implements Backend.
func (b *StubBackend) Generate(_ context.Context, call Call) (*Response, error) {
	h := fnv.New32a()
	h.Write([]byte(call.Prompt)) //nolint:errcheck
	seed := h.Sum32()

	s := b.Schema
	var sb strings.Builder
	sb.WriteString("<" + s.Root + ">\n")
	for i, f := range s.Fields {
		var v string
		switch f.Kind {
		case model.FieldEnum:
			v = f.Allowed[stubIndex(seed, i, len(f.Allowed))]
		case model.FieldBoolean:
			v = s.FalseToken
			if stubFlag(seed, i) {
				v = s.TrueToken
			}
		default:
			v = "Offline analysis; no model was called."
		}
		sb.WriteString("  <" + f.Tag + ">" + v + "</" + f.Tag + ">\n")
	}
	sb.WriteString("</" + s.Root + ">")

	return &Response{
		CorrelationID: call.CorrelationID,
		Text:          sb.String(),
		Model:         "stub",
	}, nil
}

// stubIndex picks one of n values for field i. Arithmetic stays unsigned so
// the result is in range on every platform.
func stubIndex(seed uint32, i, n int) int {
	return int((seed + uint32(i)) % uint32(n))
}

func stubFlag(seed uint32, i int) bool {
	return (seed>>(uint(i)%32))&1 == 1
}
