// Package prompt renders model prompts from Twig templates.
package prompt

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tyler-sommer/stick"

	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/schema"
)

// DefaultTemplate is the name of the embedded analysis template.
const DefaultTemplate = "analysis"

//go:embed templates/*.twig
var builtin embed.FS

// Renderer renders named templates with the article text, its identifier and
// the schema's field descriptions.
type Renderer struct {
	env       *stick.Env
	templates map[string]string
	vars      map[string]stick.Value
}

// New creates a renderer holding the embedded templates plus every template
// found in dir (when dir is non-empty). Templates in dir override the
// embedded ones by name.
func New(s *schema.Schema, dir string) (*Renderer, error) {
	r := &Renderer{
		env:       stick.New(nil),
		templates: make(map[string]string),
		vars:      schemaVars(s),
	}
	if err := r.load(builtin, "templates"); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := r.load(os.DirFS(dir), "."); err != nil {
			return nil, eris.Wrapf(err, "prompt: load %s", dir)
		}
	}
	return r, nil
}

func (r *Renderer) load(fsys fs.FS, dir string) error {
	return fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, ok := templateName(p)
		if !ok {
			return nil
		}
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return eris.Wrapf(err, "prompt: read %s", p)
		}
		r.templates[name] = string(content)
		return nil
	})
}

// templateName strips .twig and .md suffixes; other files are not templates.
func templateName(p string) (string, bool) {
	base := path.Base(p)
	name := strings.TrimSuffix(base, ".twig")
	name = strings.TrimSuffix(name, ".md")
	if name == base {
		return "", false
	}
	return name, name != ""
}

// Add registers or replaces a template.
func (r *Renderer) Add(name, tpl string) {
	r.templates[name] = tpl
}

// Names lists the available templates.
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render executes template name for one document.
func (r *Renderer) Render(name, document, identifier string) (string, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", eris.Errorf("prompt: template %q not found", name)
	}

	ctx := make(map[string]stick.Value, len(r.vars)+2)
	for k, v := range r.vars {
		ctx[k] = v
	}
	ctx["article_text"] = document
	ctx["identifier"] = identifier

	var out strings.Builder
	if err := r.env.Execute(tpl, &out, ctx); err != nil {
		return "", eris.Wrapf(err, "prompt: execute %q", name)
	}
	return out.String(), nil
}

// For returns a prompt function bound to template name.
func (r *Renderer) For(name string) func(model.ExtractionRequest) (string, error) {
	return func(req model.ExtractionRequest) (string, error) {
		return r.Render(name, req.Document, req.ID)
	}
}

func schemaVars(s *schema.Schema) map[string]stick.Value {
	fields := make([]map[string]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		var help string
		switch f.Kind {
		case model.FieldEnum:
			help = "one of " + strings.Join(f.Allowed, ", ")
		case model.FieldBoolean:
			help = s.TrueToken + " or " + s.FalseToken
		default:
			help = "free text"
		}
		fields = append(fields, map[string]string{
			"tag":  f.Tag,
			"key":  f.Key,
			"kind": string(f.Kind),
			"help": help,
		})
	}
	return map[string]stick.Value{
		"root":        s.Root,
		"fields":      fields,
		"true_token":  s.TrueToken,
		"false_token": s.FalseToken,
	}
}
