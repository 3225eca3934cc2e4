package markup

import "strings"

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", `"`, "&quot;")
)

// EscapeText escapes character data for inclusion in markup.
func EscapeText(text string) string {
	return textEscaper.Replace(text)
}

// EscapeAttr escapes an attribute value for inclusion in double quotes.
func EscapeAttr(value string) string {
	return attrEscaper.Replace(value)
}

// WriteStartTag writes <name attrs...> or <name attrs.../> when selfClose is set.
func WriteStartTag(builder *strings.Builder, name string, attrs []Attr, selfClose bool) {
	builder.WriteByte('<')
	builder.WriteString(name)

	for _, attr := range attrs {
		builder.WriteByte(' ')
		builder.WriteString(attr.Name)
		builder.WriteString(`="`)
		builder.WriteString(EscapeAttr(attr.Value))
		builder.WriteByte('"')
	}

	if selfClose {
		builder.WriteString("/>")

		return
	}

	builder.WriteByte('>')
}

// WriteEndTag writes </name>.
func WriteEndTag(builder *strings.Builder, name string) {
	builder.WriteString("</")
	builder.WriteString(name)
	builder.WriteByte('>')
}

// WriteLeaf serializes a leaf node. text overrides the node text for sentence pieces
// of a text node.
func WriteLeaf(builder *strings.Builder, node *Node, text string) {
	switch node.Kind {
	case KindText:
		builder.WriteString(EscapeText(text))
	case KindPause, KindMarker:
		WriteStartTag(builder, node.Name, node.Attrs, true)
	case KindRaw:
		builder.WriteString(node.Raw)
	case KindProsody, KindGroup:
	}
}

// WithAttr returns a copy of attrs with name set to value, appended when absent.
func WithAttr(attrs []Attr, name, value string) []Attr {
	updated := make([]Attr, 0, len(attrs)+1)
	replaced := false

	for _, attr := range attrs {
		if attr.Name == name {
			updated = append(updated, Attr{Name: name, Value: value})
			replaced = true

			continue
		}

		updated = append(updated, attr)
	}

	if !replaced {
		updated = append(updated, Attr{Name: name, Value: value})
	}

	return updated
}
