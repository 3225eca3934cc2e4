package markup

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Mode selects how the parser treats elements outside the supported set.
type Mode int

const (
	// Strict rejects unknown elements and scripts without a <speak> root.
	Strict Mode = iota
	// Lenient keeps unknown elements verbatim and wraps bare scripts in <speak>.
	Lenient
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	default:
		return Strict, fmt.Errorf("unknown parse mode %q", value)
	}
}

func (m Mode) String() string {
	if m == Lenient {
		return "lenient"
	}

	return "strict"
}

const (
	rootElement = "speak"
	rootOpen    = "<speak>"
	rootClose   = "</speak>"
)

// Parse turns a narration script into a Document.
func Parse(input []byte, mode Mode) (*Document, error) {
	source := input
	shift := 0

	if mode == Lenient && !hasRootElement(input) {
		wrapped := make([]byte, 0, len(input)+len(rootOpen)+len(rootClose))
		wrapped = append(wrapped, rootOpen...)
		wrapped = append(wrapped, input...)
		wrapped = append(wrapped, rootClose...)
		source = wrapped
		shift = len(rootOpen)
	}

	state := &parseState{
		input:     source,
		inputSize: len(input),
		shift:     shift,
		mode:      mode,
		doc:       &Document{},
	}

	return state.run()
}

type frame struct {
	node   *Node
	name   string
	offset int
	leaf   bool
}

type rawCapture struct {
	node  *Node
	start int
	names []string
	text  strings.Builder
}

type parseState struct {
	input      []byte
	inputSize  int
	shift      int
	mode       Mode
	doc        *Document
	stack      []*frame
	raw        *rawCapture
	rootSeen   bool
	rootClosed bool
}

func (s *parseState) run() (*Document, error) {
	decoder := xml.NewDecoder(bytes.NewReader(s.input))
	decoder.Strict = true

	for {
		offset := int(decoder.InputOffset())

		token, err := decoder.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, s.malformed(int(decoder.InputOffset()), syntaxReason(err))
		}

		var stepErr error

		if s.raw != nil {
			stepErr = s.captureRaw(token, offset, int(decoder.InputOffset()))
		} else {
			switch tok := token.(type) {
			case xml.StartElement:
				stepErr = s.startElement(tok, offset)
			case xml.EndElement:
				stepErr = s.endElement(tok, offset)
			case xml.CharData:
				stepErr = s.charData(string(tok), offset)
			default:
				// Comments, processing instructions and directives carry no speech.
			}
		}

		if stepErr != nil {
			return nil, stepErr
		}
	}

	if !s.rootSeen {
		return nil, s.malformed(0, "missing <speak> root element")
	}

	if s.raw != nil {
		return nil, s.malformed(s.raw.start, fmt.Sprintf("unclosed element <%s>", s.raw.node.Name))
	}

	if len(s.stack) > 0 {
		top := s.stack[len(s.stack)-1]

		return nil, s.malformed(len(s.input), fmt.Sprintf("unclosed element <%s> opened at byte %d", top.name, s.report(top.offset)))
	}

	return s.doc, nil
}

func (s *parseState) startElement(tok xml.StartElement, offset int) error {
	name := qualifiedName(tok.Name)

	attrs, err := s.convertAttrs(tok.Attr, offset)
	if err != nil {
		return err
	}

	if s.rootClosed {
		return s.malformed(offset, fmt.Sprintf("element <%s> after the root element", name))
	}

	if !s.rootSeen {
		if name != rootElement {
			return s.malformed(offset, fmt.Sprintf("root element must be <speak>, found <%s>", name))
		}

		s.rootSeen = true
		s.doc.RootAttrs = attrs
		s.stack = append(s.stack, &frame{name: name, offset: offset})

		return nil
	}

	parent := s.stack[len(s.stack)-1]
	if parent.leaf {
		return s.malformed(offset, fmt.Sprintf("element <%s> must be empty", parent.name))
	}

	node := &Node{Name: name, Attrs: attrs, Offset: s.report(offset)}

	switch name {
	case rootElement:
		return s.malformed(offset, "nested <speak> element")
	case "prosody":
		override, overrideErr := parseOverride(attrs)
		if overrideErr != nil {
			return s.malformed(offset, fmt.Sprintf("<prosody> %v", overrideErr))
		}

		node.Kind = KindProsody
		node.Override = override
	case "p", "s", "emphasis":
		node.Kind = KindGroup
	case "break":
		node.Kind = KindMarker

		if value, found := attrValue(attrs, attrTime); found {
			pause, pauseErr := ParseBreakTime(value)
			if pauseErr != nil {
				return s.malformed(offset, fmt.Sprintf("<break> %v", pauseErr))
			}

			node.Kind = KindPause
			node.Pause = pause
		}
	case "mark":
		node.Kind = KindMarker
	default:
		if s.mode == Strict {
			return s.malformed(offset, fmt.Sprintf("unsupported element <%s>", name))
		}

		node.Kind = KindRaw
		s.appendChild(parent, node)
		s.raw = &rawCapture{node: node, start: offset, names: []string{name}}

		return nil
	}

	s.appendChild(parent, node)
	s.stack = append(s.stack, &frame{
		node:   node,
		name:   name,
		offset: offset,
		leaf:   node.Kind == KindPause || node.Kind == KindMarker,
	})

	return nil
}

func (s *parseState) endElement(tok xml.EndElement, offset int) error {
	name := qualifiedName(tok.Name)

	if len(s.stack) == 0 {
		return s.malformed(offset, fmt.Sprintf("unexpected closing tag </%s>", name))
	}

	top := s.stack[len(s.stack)-1]
	if top.name != name {
		return s.malformed(offset, fmt.Sprintf("element <%s> opened at byte %d closed by </%s>", top.name, s.report(top.offset), name))
	}

	s.stack = s.stack[:len(s.stack)-1]
	if len(s.stack) == 0 {
		s.rootClosed = true
	}

	return nil
}

func (s *parseState) charData(text string, offset int) error {
	blank := strings.TrimSpace(text) == ""

	if len(s.stack) == 0 {
		if blank {
			return nil
		}

		return s.malformed(offset, "text outside the <speak> root element")
	}

	parent := s.stack[len(s.stack)-1]
	if parent.leaf {
		if blank {
			return nil
		}

		return s.malformed(offset, fmt.Sprintf("element <%s> must be empty", parent.name))
	}

	siblings := s.doc.Nodes
	if parent.node != nil {
		siblings = parent.node.Children
	}

	if count := len(siblings); count > 0 && siblings[count-1].Kind == KindText {
		siblings[count-1].Text += text

		return nil
	}

	s.appendChild(parent, &Node{Kind: KindText, Text: text, Offset: s.report(offset)})

	return nil
}

func (s *parseState) captureRaw(token xml.Token, offset, next int) error {
	switch tok := token.(type) {
	case xml.StartElement:
		s.raw.names = append(s.raw.names, qualifiedName(tok.Name))
	case xml.EndElement:
		name := qualifiedName(tok.Name)
		open := s.raw.names[len(s.raw.names)-1]

		if open != name {
			return s.malformed(offset, fmt.Sprintf("element <%s> closed by </%s>", open, name))
		}

		s.raw.names = s.raw.names[:len(s.raw.names)-1]
		if len(s.raw.names) == 0 {
			s.raw.node.Raw = string(s.input[s.raw.start:next])
			s.raw.node.Text = s.raw.text.String()
			s.raw = nil
		}
	case xml.CharData:
		s.raw.text.Write(tok)
	}

	return nil
}

func (s *parseState) appendChild(parent *frame, node *Node) {
	if parent.node == nil {
		s.doc.Nodes = append(s.doc.Nodes, node)

		return
	}

	parent.node.Children = append(parent.node.Children, node)
}

func (s *parseState) convertAttrs(attrs []xml.Attr, offset int) ([]Attr, error) {
	if len(attrs) == 0 {
		return nil, nil
	}

	converted := make([]Attr, 0, len(attrs))
	seen := make(map[string]struct{}, len(attrs))

	for _, attr := range attrs {
		name := qualifiedName(attr.Name)
		if _, duplicate := seen[name]; duplicate {
			return nil, s.malformed(offset, fmt.Sprintf("duplicate attribute %q", name))
		}

		seen[name] = struct{}{}
		converted = append(converted, Attr{Name: name, Value: attr.Value})
	}

	return converted, nil
}

// report maps an offset in the parsed buffer back to the caller's input.
func (s *parseState) report(offset int) int {
	adjusted := offset - s.shift
	if adjusted < 0 {
		return 0
	}

	if adjusted > s.inputSize {
		return s.inputSize
	}

	return adjusted
}

func (s *parseState) malformed(offset int, reason string) *MalformedMarkupError {
	return &MalformedMarkupError{Offset: s.report(offset), Reason: reason}
}

func qualifiedName(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}

	return name.Space + ":" + name.Local
}

func syntaxReason(err error) string {
	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Msg
	}

	return err.Error()
}

// hasRootElement reports whether the input starts with <speak>, ignoring leading
// whitespace, an XML declaration and comments.
func hasRootElement(input []byte) bool {
	rest := bytes.TrimLeft(input, " \t\r\n\ufeff")

	for {
		switch {
		case bytes.HasPrefix(rest, []byte("<?")):
			end := bytes.Index(rest, []byte("?>"))
			if end < 0 {
				return false
			}

			rest = bytes.TrimLeft(rest[end+2:], " \t\r\n")
		case bytes.HasPrefix(rest, []byte("<!--")):
			end := bytes.Index(rest, []byte("-->"))
			if end < 0 {
				return false
			}

			rest = bytes.TrimLeft(rest[end+3:], " \t\r\n")
		default:
			if !bytes.HasPrefix(rest, []byte("<"+rootElement)) {
				return false
			}

			after := rest[len(rootElement)+1:]

			return len(after) == 0 || bytes.ContainsAny(after[:1], " \t\r\n/>")
		}
	}
}
