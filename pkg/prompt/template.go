package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrTemplate matches every *TemplateError.
var ErrTemplate = errors.New("template error")

// TemplateError reports a template that could not be parsed or rendered.
type TemplateError struct {
	Template string
	Missing  []string
	Reason   string
}

func (e *TemplateError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("template %q: missing variables: %s", e.Template, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
}

func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

type segment struct {
	literal  string
	variable string
}

// Template is a parsed system instruction.
type Template struct {
	name     string
	source   string
	segments []segment
	vars     []string
}

// Parse compiles text. Placeholders must be identifiers
// ([A-Za-z_][A-Za-z0-9_]*); a lone brace is an error.
func Parse(name, text string) (*Template, error) {
	t := &Template{name: name, source: text}
	seen := map[string]bool{}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, &TemplateError{Template: name, Reason: fmt.Sprintf("unclosed '{' at offset %d", i)}
			}
			ident := text[i+1 : i+1+end]
			if !isIdent(ident) {
				return nil, &TemplateError{Template: name, Reason: fmt.Sprintf("invalid placeholder {%s} at offset %d", ident, i)}
			}
			flush()
			t.segments = append(t.segments, segment{variable: ident})
			if !seen[ident] {
				seen[ident] = true
				t.vars = append(t.vars, ident)
			}
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, &TemplateError{Template: name, Reason: fmt.Sprintf("unmatched '}' at offset %d", i)}
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// MustParse is Parse for built-in templates.
func MustParse(name, text string) *Template {
	t, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Source returns the unparsed text.
func (t *Template) Source() string { return t.source }

// Variables lists referenced placeholders in first-use order.
func (t *Template) Variables() []string {
	out := make([]string, len(t.vars))
	copy(out, t.vars)
	return out
}

// Render substitutes vars. Every referenced variable must be present; an
// empty string is a valid value. Extra entries in vars are ignored.
func (t *Template) Render(vars map[string]string) (string, error) {
	var missing []string
	for _, v := range t.vars {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &TemplateError{Template: t.name, Missing: missing}
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.variable != "" {
			b.WriteString(vars[seg.variable])
		} else {
			b.WriteString(seg.literal)
		}
	}
	return b.String(), nil
}
