// Package parse turns a free-form model reply into a schema-valid record.
// Sanitize isolates and escapes the root block; Validate parses it strictly.
package parse

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/sells-group/metadata-extractor/internal/schema"
)

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

// Sanitize returns the first complete root block found in raw, scanning
// left to right, with illegal XML characters removed and the content of
// every known field wrapped in CDATA. Sanitize is idempotent.
func Sanitize(raw string, s *schema.Schema) (string, error) {
	open, closing := "<"+s.Root+">", "</"+s.Root+">"

	start := strings.Index(raw, open)
	if start < 0 {
		return "", &NotFoundError{Tag: s.Root}
	}
	bodyStart := start + len(open)
	end := strings.Index(raw[bodyStart:], closing)
	if end < 0 {
		return "", &NotFoundError{Tag: s.Root}
	}

	body := strings.TrimSpace(stripInvalidChars(raw[bodyStart : bodyStart+end]))
	return open + wrapFields(body, s) + closing, nil
}

// wrapFields scans body once. At each opening tag of a known field the
// content up to the first closing tag with the same literal name is treated
// as opaque text. Field tags are recognized by key, as Validate does.
func wrapFields(body string, s *schema.Schema) string {
	var b strings.Builder
	b.Grow(len(body) + 32*len(s.Fields))

	i := 0
	for i < len(body) {
		lt := strings.IndexByte(body[i:], '<')
		if lt < 0 {
			b.WriteString(body[i:])
			break
		}
		lt += i
		b.WriteString(body[i:lt])

		tag, ok := openingTagAt(body[lt:], s)
		if !ok {
			b.WriteByte('<')
			i = lt + 1
			continue
		}

		contentStart := lt + len(tag) + 2
		closing := "</" + tag + ">"
		ce := strings.Index(body[contentStart:], closing)
		if ce < 0 {
			// Unterminated field; left for the validator to reject.
			b.WriteString(body[lt:])
			break
		}
		ce += contentStart

		b.WriteString(body[lt:contentStart])
		b.WriteString(protect(body[contentStart:ce]))
		b.WriteString(closing)
		i = ce + len(closing)
	}
	return b.String()
}

// openingTagAt returns the element name of a bare opening tag at the start
// of text when it names a schema field.
func openingTagAt(text string, s *schema.Schema) (string, bool) {
	end := strings.IndexByte(text, '>')
	if len(text) < 3 || text[0] != '<' || end < 2 {
		return "", false
	}
	name := text[1:end]
	if strings.ContainsAny(name, " \t\r\n</!?=\"'") {
		return "", false
	}
	if _, ok := s.Field(schema.KeyFor(name)); !ok {
		return "", false
	}
	return name, true
}

// protect wraps content in CDATA unless it already is, or it is well-formed
// markup whose meaning wrapping would change (entities, child elements).
func protect(content string) string {
	if isWrapped(content) {
		return content
	}
	if strings.ContainsAny(content, "<&") && wellFormed(content) {
		return content
	}
	return cdataOpen + strings.ReplaceAll(content, cdataClose, "]]"+cdataClose+cdataOpen+">") + cdataClose
}

// isWrapped reports whether content consists only of CDATA sections and
// surrounding whitespace.
func isWrapped(content string) bool {
	rest := strings.TrimSpace(content)
	for rest != "" {
		if !strings.HasPrefix(rest, cdataOpen) {
			return false
		}
		end := strings.Index(rest[len(cdataOpen):], cdataClose)
		if end < 0 {
			return false
		}
		rest = strings.TrimSpace(rest[len(cdataOpen)+end+len(cdataClose):])
	}
	return true
}

// wellFormed reports whether content parses as the body of a single element.
func wellFormed(content string) bool {
	dec := xml.NewDecoder(strings.NewReader("<x>" + content + "</x>"))
	depth := 0
	closed := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return closed
		}
		if err != nil || closed {
			return false
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				closed = true
			}
		}
	}
}

// stripInvalidChars drops code points that XML 1.0 forbids anywhere in a
// document, CDATA included.
func stripInvalidChars(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r >= 0x20 && r <= 0xD7FF:
			return r
		case r >= 0xE000 && r <= 0xFFFD:
			return r
		case r >= 0x10000 && r <= 0x10FFFF:
			return r
		default:
			return -1
		}
	}, s)
}
