// Package template renders a variant's system/user/assistant template
// bundle (spec §4.4 step 1, §9 "Template engine"): a sandboxed
// string-interpolation engine over text/template with a locked-down
// func-map, never gopher-lua or any engine that can execute arbitrary code
// (spec §9 explicitly forbids it). Missing required arguments are an
// InputValidation error, not a panic or a silently-empty render.
package template

import (
	"bytes"
	"text/template"

	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// allowedFuncs is the complete func-map exposed to templates: pure,
// side-effect-free string helpers only. No os/exec, no file reads, no
// network — this is the whole of what a template author can reach.
var allowedFuncs = template.FuncMap{
	"upper": func(s string) string { return toUpper(s) },
	"lower": func(s string) string { return toLower(s) },
}

// Bundle is one variant's template set (spec §3.1 Variant "template bundle").
// Any field may be empty, meaning that slot has no template (system stays a
// literal, user/assistant messages pass through unrendered).
type Bundle struct {
	System    string
	User      string
	Assistant string
}

// Compiled holds the parsed templates for one bundle, parsed once at config
// load / variant-engine construction time rather than per request.
type Compiled struct {
	system    *template.Template
	user      *template.Template
	assistant *template.Template
}

// Compile parses every non-empty template in the bundle. option "missingkey=error"
// makes a reference to an undeclared argument a render-time error instead of
// silently rendering "<no value>" — the spec's "missing required variables →
// render error" requirement.
func Compile(b Bundle) (*Compiled, error) {
	c := &Compiled{}
	var err error
	if b.System != "" {
		if c.system, err = parse("system", b.System); err != nil {
			return nil, err
		}
	}
	if b.User != "" {
		if c.user, err = parse("user", b.User); err != nil {
			return nil, err
		}
	}
	if b.Assistant != "" {
		if c.assistant, err = parse("assistant", b.Assistant); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Funcs(allowedFuncs).Parse(text)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInputValidation, err, "parsing %s template", name)
	}
	return t, nil
}

// RenderSystem renders the system template, if one is set, against args.
// Callers with no system template should use the literal system prompt
// directly and never call this.
func (c *Compiled) RenderSystem(args map[string]any) (string, error) {
	if c == nil || c.system == nil {
		return "", nil
	}
	return render(c.system, args)
}

// RenderUser renders the user template against args.
func (c *Compiled) RenderUser(args map[string]any) (string, error) {
	if c == nil || c.user == nil {
		return "", nil
	}
	return render(c.user, args)
}

// RenderAssistant renders the assistant template against args.
func (c *Compiled) RenderAssistant(args map[string]any) (string, error) {
	if c == nil || c.assistant == nil {
		return "", nil
	}
	return render(c.assistant, args)
}

// HasSystem reports whether this bundle has a system template at all.
func (c *Compiled) HasSystem() bool { return c != nil && c.system != nil }

func render(t *template.Template, args map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, args); err != nil {
		return "", xerrors.Wrap(xerrors.KindInputValidation, err, "rendering %s template: missing or invalid argument", t.Name())
	}
	return buf.String(), nil
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
