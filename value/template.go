package value

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tangram-dev/tangram/id"
)

// Placeholder is a named hole in a template, filled by the process runner
// at run time (e.g. "output").
type Placeholder struct {
	Name string
}

func (Placeholder) Kind() id.Kind { return id.Placeholder }

// Component is one element of a template: a plain string, an artifact
// reference, or a placeholder.
type Component interface {
	component()
}

// StringComponent is a literal string span.
type StringComponent string

// ArtifactComponent references an artifact by handle.
type ArtifactComponent struct {
	Artifact *Handle
}

// PlaceholderComponent is a named hole.
type PlaceholderComponent struct {
	Name string
}

func (StringComponent) component()      {}
func (ArtifactComponent) component()    {}
func (PlaceholderComponent) component() {}

// Template is an ordered sequence of components. Adjacent string
// components are allowed; the renderer treats them identically.
type Template struct {
	Components []Component
}

func (*Template) Kind() id.Kind { return id.Template }

// NewTemplate creates a template from components.
func NewTemplate(components ...Component) *Template {
	return &Template{Components: components}
}

// TemplateFromString creates a single-string template.
func TemplateFromString(s string) *Template {
	return NewTemplate(StringComponent(s))
}

func (t *Template) artifactHandles() []*Handle {
	var hs []*Handle
	for _, c := range t.Components {
		if a, ok := c.(ArtifactComponent); ok {
			hs = append(hs, a.Artifact)
		}
	}
	return hs
}

// Artifacts returns the template's artifact handles in order.
func (t *Template) Artifacts() []*Handle {
	return t.artifactHandles()
}

// Render concatenates f(component) over the components. f decides how to
// render artifacts (typically check out and return the path) and
// placeholders (substitute a runtime value).
func (t *Template) Render(f func(Component) (string, error)) (string, error) {
	var b strings.Builder
	for _, c := range t.Components {
		s, err := f(c)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// Normalize fuses adjacent string components and drops empty ones.
func (t *Template) Normalize() *Template {
	var out []Component
	for _, c := range t.Components {
		if s, ok := c.(StringComponent); ok {
			if s == "" {
				continue
			}
			if len(out) > 0 {
				if prev, ok := out[len(out)-1].(StringComponent); ok {
					out[len(out)-1] = prev + s
					continue
				}
			}
		}
		out = append(out, c)
	}
	return &Template{Components: out}
}

// Unrender matches "<artifacts_path>/<64-hex-id>" spans in s against the
// given artifacts roots and reconstructs a template whose matches are
// artifact components and whose remaining spans are string components.
func Unrender(artifactsPaths []string, s string) (*Template, error) {
	if len(artifactsPaths) == 0 {
		return TemplateFromString(s), nil
	}
	quoted := make([]string, len(artifactsPaths))
	for i, p := range artifactsPaths {
		quoted[i] = regexp.QuoteMeta(strings.TrimRight(p, "/"))
	}
	re, err := regexp.Compile(`(?:` + strings.Join(quoted, "|") + `)/([0-9a-f]{64})`)
	if err != nil {
		return nil, err
	}
	var components []Component
	i := 0
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		start, end := m[0], m[1]
		if start > i {
			components = append(components, StringComponent(s[i:start]))
		}
		artifactID, err := id.Parse(s[m[2]:m[3]])
		if err != nil {
			return nil, fmt.Errorf("unrender: %w", err)
		}
		if !IsArtifact(artifactID.Kind()) {
			return nil, fmt.Errorf("unrender: id %s is not an artifact", artifactID)
		}
		components = append(components, ArtifactComponent{Artifact: HandleWithID(artifactID)})
		i = end
	}
	if i < len(s) {
		components = append(components, StringComponent(s[i:]))
	}
	return &Template{Components: components}, nil
}
