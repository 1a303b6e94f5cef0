package schema

import (
	"encoding/xml"
	"strings"

	"github.com/sells-group/metadata-extractor/internal/model"
)

// XSD renders an XML Schema document equivalent to the field rules: every
// field exactly once in any order, enums restricted to their allowed values,
// booleans restricted to the two canonical tokens.
func (s *Schema) XSD() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" elementFormDefault="qualified">` + "\n")
	b.WriteString(`  <xs:element name="` + attr(s.Root) + `">` + "\n")
	b.WriteString("    <xs:complexType>\n")
	b.WriteString("      <xs:all>\n")
	for _, f := range s.Fields {
		switch f.Kind {
		case model.FieldFreeText:
			b.WriteString(`        <xs:element name="` + attr(f.Tag) + `" type="xs:string"/>` + "\n")
		case model.FieldBoolean:
			writeRestricted(&b, f.Tag, []string{s.TrueToken, s.FalseToken})
		case model.FieldEnum:
			writeRestricted(&b, f.Tag, f.Allowed)
		}
	}
	b.WriteString("      </xs:all>\n")
	b.WriteString("    </xs:complexType>\n")
	b.WriteString("  </xs:element>\n")
	b.WriteString("</xs:schema>\n")
	return b.String()
}

func writeRestricted(b *strings.Builder, tag string, values []string) {
	b.WriteString(`        <xs:element name="` + attr(tag) + `">` + "\n")
	b.WriteString("          <xs:simpleType>\n")
	b.WriteString(`            <xs:restriction base="xs:string">` + "\n")
	for _, v := range values {
		b.WriteString(`              <xs:enumeration value="` + attr(v) + `"/>` + "\n")
	}
	b.WriteString("            </xs:restriction>\n")
	b.WriteString("          </xs:simpleType>\n")
	b.WriteString("        </xs:element>\n")
}

func attr(v string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(v))
	return b.String()
}
