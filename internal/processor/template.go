package processor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// TemplateMeta is the YAML front-matter header of a process prompt template
// file: name/version/model hints consumed by the caller, not the model.
type TemplateMeta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Model   string `yaml:"model"`
}

// Template is a loaded prompt template: its front-matter metadata and body.
type Template struct {
	Meta TemplateMeta
	Body string
}

// LoadTemplate reads and parses a template file of the form:
//
//	---
//	name: distill
//	version: 1
//	---
//	<body text, may reference {{char}}>
//
// A file with no front-matter delimiter is treated as a bodyless-metadata
// template: the entire contents become the body.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("processor: read template %s: %w", path, err)
	}

	content := string(data)
	if !strings.HasPrefix(content, frontMatterDelim) {
		return &Template{Body: content}, nil
	}

	rest := content[len(frontMatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return &Template{Body: content}, nil
	}

	header := rest[:end]
	body := strings.TrimPrefix(rest[end+len(frontMatterDelim)+1:], "\n")

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return nil, fmt.Errorf("processor: parse template front matter %s: %w", path, err)
	}

	return &Template{Meta: meta, Body: body}, nil
}

// Render substitutes {{char}} with agentName in the template body.
func (t *Template) Render(agentName string) string {
	return strings.ReplaceAll(t.Body, "{{char}}", agentName)
}
