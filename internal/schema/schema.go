// Package schema defines the fixed set of fields a model response must carry
// and the value domain of each.
package schema

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/model"
)

// Field describes one child element of the root block.
type Field struct {
	Tag     string          `yaml:"tag" json:"tag"`
	Key     string          `yaml:"key,omitempty" json:"key"`
	Kind    model.FieldKind `yaml:"kind" json:"kind"`
	Allowed []string        `yaml:"allowed,omitempty" json:"allowed,omitempty"`
}

// Schema is the ordered list of fields expected inside the Root element.
// Rationale names the free-text field stored as the record's rationale.
type Schema struct {
	Root       string  `yaml:"root" json:"root"`
	Rationale  string  `yaml:"rationale" json:"rationale"`
	TrueToken  string  `yaml:"true_token" json:"true_token"`
	FalseToken string  `yaml:"false_token" json:"false_token"`
	Fields     []Field `yaml:"fields" json:"fields"`
}

// KeyFor normalizes an element name into a field key: lower case, with
// dashes replaced by underscores.
func KeyFor(tag string) string {
	return strings.ReplaceAll(strings.ToLower(tag), "-", "_")
}

// Default returns the article analysis schema.
func Default() *Schema {
	s := &Schema{
		Root:       "analysis",
		Rationale:  "reasoning",
		TrueToken:  "yes",
		FalseToken: "no",
		Fields: []Field{
			{Tag: "reasoning", Kind: model.FieldFreeText},
			{Tag: "entity-class", Kind: model.FieldEnum, Allowed: []string{
				"person", "country", "city", "historical_event", "holiday", "concept",
				"biological_species", "organization", "work_of_art", "technology", "other",
			}},
			{Tag: "geo-focus", Kind: model.FieldEnum, Allowed: []string{
				"global", "continent", "country", "sub_national", "local", "none",
			}},
			{Tag: "temporal-era", Kind: model.FieldEnum, Allowed: []string{
				"pre_history", "classical", "medieval", "early_modern", "modern", "contemporary", "none",
			}},
			{Tag: "domain", Kind: model.FieldEnum, Allowed: []string{
				"geography", "politics", "science", "arts", "religion", "technology",
				"economics", "sports", "history", "culture", "other",
			}},
			{Tag: "contains-dates", Kind: model.FieldBoolean},
			{Tag: "contains-coordinates", Kind: model.FieldBoolean},
			{Tag: "has-see-also", Kind: model.FieldBoolean},
		},
	}
	s.normalize()
	return s
}

func (s *Schema) normalize() {
	for i := range s.Fields {
		if s.Fields[i].Key == "" {
			s.Fields[i].Key = KeyFor(s.Fields[i].Tag)
		}
	}
	if s.TrueToken == "" {
		s.TrueToken = "yes"
	}
	if s.FalseToken == "" {
		s.FalseToken = "no"
	}
}

// Validate checks the schema for structural problems.
func (s *Schema) Validate() error {
	var problems []string
	if s.Root == "" {
		problems = append(problems, "root tag is required")
	}
	if len(s.Fields) == 0 {
		problems = append(problems, "at least one field is required")
	}
	if s.TrueToken == s.FalseToken {
		problems = append(problems, "true and false tokens must differ")
	}

	seen := make(map[string]bool, len(s.Fields))
	rationaleFound := s.Rationale == ""
	for _, f := range s.Fields {
		if f.Tag == "" {
			problems = append(problems, "field with empty tag")
			continue
		}
		if f.Tag == s.Root {
			problems = append(problems, "field "+f.Tag+" shadows the root tag")
		}
		if f.Key != KeyFor(f.Tag) {
			problems = append(problems, "field "+f.Tag+" key "+f.Key+" does not match its tag (want "+KeyFor(f.Tag)+")")
		}
		if seen[f.Key] {
			problems = append(problems, "duplicate field "+f.Key)
		}
		seen[f.Key] = true

		switch f.Kind {
		case model.FieldEnum:
			if len(f.Allowed) == 0 {
				problems = append(problems, "enum field "+f.Key+" has no allowed values")
			}
		case model.FieldBoolean, model.FieldFreeText:
		default:
			problems = append(problems, "field "+f.Key+" has unknown kind "+string(f.Kind))
		}

		if f.Key == KeyFor(s.Rationale) {
			if f.Kind != model.FieldFreeText {
				problems = append(problems, "rationale field "+f.Key+" must be freetext")
			}
			rationaleFound = true
		}
	}
	if !rationaleFound {
		problems = append(problems, "rationale field "+s.Rationale+" is not declared")
	}

	if len(problems) > 0 {
		return eris.Errorf("schema: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Field returns the field with the given key.
func (s *Schema) Field(key string) (Field, bool) {
	i := slices.IndexFunc(s.Fields, func(f Field) bool { return f.Key == key })
	if i < 0 {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Tags returns the element names of all fields in declaration order.
func (s *Schema) Tags() []string {
	tags := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		tags[i] = f.Tag
	}
	return tags
}

// Keys returns the keys of all non-rationale fields in declaration order.
func (s *Schema) Keys() []string {
	var keys []string
	for _, f := range s.Fields {
		if s.IsRationale(f) {
			continue
		}
		keys = append(keys, f.Key)
	}
	return keys
}

// IsRationale reports whether f is the schema's rationale field.
func (s *Schema) IsRationale(f Field) bool {
	return s.Rationale != "" && f.Key == KeyFor(s.Rationale)
}
