// Package personalize renders a campaign template against one recipient's
// variables.
package personalize

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"campaignd/internal/domain"
)

type Rendered struct {
	Subject string
	Text    string
	// HTML is empty for plain-text templates.
	HTML string
}

type Renderer interface {
	Render(tmpl domain.Template, vars map[string]string) (Rendered, error)
}

var token = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Engine replaces {{ key }} tokens. Tokens without a matching variable are
// left in place verbatim.
type Engine struct {
	md goldmark.Markdown
}

func New() *Engine {
	// raw HTML in markdown is omitted (WithUnsafe not set)
	return &Engine{md: goldmark.New(
		goldmark.WithRendererOptions(goldmarkHTML.WithHardWraps()),
	)}
}

func (e *Engine) Render(tmpl domain.Template, vars map[string]string) (Rendered, error) {
	out := Rendered{
		Subject: Substitute(tmpl.Subject, vars),
		Text:    Substitute(tmpl.Body, vars),
	}
	if tmpl.Format == domain.FormatMarkdown {
		var buf bytes.Buffer
		if err := e.md.Convert([]byte(out.Text), &buf); err != nil {
			return Rendered{}, fmt.Errorf("render markdown: %w", err)
		}
		out.HTML = buf.String()
	}
	return out, nil
}

func Substitute(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	return token.ReplaceAllStringFunc(s, func(m string) string {
		key := token.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// MergeVars builds the variable map for one recipient. Precedence, lowest
// first: built-in email/name, template defaults, recipient variables.
func MergeVars(defaults, recipient map[string]string, address, name string) map[string]string {
	out := make(map[string]string, len(defaults)+len(recipient)+2)
	out["email"] = address
	if name != "" {
		out["name"] = name
	}
	maps.Copy(out, defaults)
	maps.Copy(out, recipient)
	return out
}
