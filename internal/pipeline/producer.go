package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/danielolaszy/capflow/pkg/models"
)

// DraftInput is everything a producer may draw on for one stage document.
type DraftInput struct {
	Capability *models.Capability
	Idea       *models.Idea
	Stage      models.Stage
	// Previous holds the latest document of every earlier stage, in order.
	Previous []*models.StageDocument
}

// Draft is a producer's best-effort content for a stage document.
type Draft struct {
	Content     string
	Diagram     string
	Attachments []string
}

// DraftProducer generates stage document content. Its quality is not the
// orchestrator's concern; its errors are.
type DraftProducer interface {
	Draft(ctx context.Context, in DraftInput) (Draft, error)
}

// DraftFunc adapts a function to DraftProducer.
type DraftFunc func(ctx context.Context, in DraftInput) (Draft, error)

// Draft implements DraftProducer.
func (f DraftFunc) Draft(ctx context.Context, in DraftInput) (Draft, error) {
	return f(ctx, in)
}

const specTemplate = `# {{.Capability.Title}}: Specification

## Problem
{{or .Idea.Details.ProblemStatement .Capability.Description}}
{{- with .Idea.Details.Persona}}

## Persona
{{.}}
{{- end}}
{{- with .Idea.Details.BusinessGoal}}

## Business goal
{{.}}
{{- end}}

## Acceptance criteria
{{- range .Idea.Details.AcceptanceCriteria}}
- {{.}}
{{- else}}
- {{.Capability.Description}}
{{- end}}
{{- with .Idea.Details.Constraints}}

## Constraints
{{- range .}}
- {{.}}
{{- end}}
{{- end}}
{{- with .Idea.Details.NonGoals}}

## Non-goals
{{- range .}}
- {{.}}
{{- end}}
{{- end}}
`

const architectureTemplate = `# {{.Capability.Title}}: Architecture

## Context
{{.Capability.Description}}

## Components
- {{.Capability.Title}} service
- Persistence for {{.Capability.Title}} records
- Integration with existing product surfaces

## Inputs
{{- range .Previous}}
- {{.StageKey}} v{{.Version}} ({{.Status}})
{{- end}}
`

const complianceTemplate = `# {{.Capability.Title}}: Compliance

## Checks
- [ ] Data classification reviewed
- [ ] Access control reviewed
- [ ] Audit logging in place
- [ ] Retention policy confirmed

## Reviewed documents
{{- range .Previous}}
- {{.StageKey}} v{{.Version}}
{{- end}}
`

const buildTemplate = `# {{.Capability.Title}}: Build plan

## Work items
1. Implement {{.Capability.Title}} according to the approved architecture.
2. Cover acceptance criteria with automated tests.
3. Address every compliance check before merge.

## Sources
{{- range .Previous}}
- docs/capabilities/{{.CapabilityID}}/{{.StageKey}}.md
{{- end}}
`

// TemplateProducer renders deterministic documents from fixed templates.
// It is the default producer and the one used in local mode.
type TemplateProducer struct {
	templates map[models.Stage]*template.Template
}

// NewTemplateProducer parses the built-in templates.
func NewTemplateProducer() *TemplateProducer {
	sources := map[models.Stage]string{
		models.StageSpec:         specTemplate,
		models.StageArchitecture: architectureTemplate,
		models.StageCompliance:   complianceTemplate,
		models.StageBuild:        buildTemplate,
	}
	p := &TemplateProducer{templates: make(map[models.Stage]*template.Template, len(sources))}
	for s, src := range sources {
		p.templates[s] = template.Must(template.New(string(s)).Parse(src))
	}
	return p
}

// Draft implements DraftProducer.
func (p *TemplateProducer) Draft(_ context.Context, in DraftInput) (Draft, error) {
	tmpl, ok := p.templates[in.Stage]
	if !ok {
		return Draft{}, fmt.Errorf("no template for stage %s", in.Stage)
	}
	if in.Capability == nil {
		return Draft{}, fmt.Errorf("draft %s: capability required", in.Stage)
	}
	if in.Idea == nil {
		in.Idea = &models.Idea{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return Draft{}, fmt.Errorf("render %s template: %w", in.Stage, err)
	}
	draft := Draft{Content: buf.String()}
	if in.Stage == models.StageArchitecture {
		draft.Diagram = architectureDiagram(in.Capability.Title)
	}
	return draft, nil
}

func architectureDiagram(title string) string {
	name := strings.ReplaceAll(strings.TrimSpace(title), `"`, `'`)
	return fmt.Sprintf("graph TD\n  user[\"User\"] --> svc[\"%s\"]\n  svc --> db[(\"Store\")]\n", name)
}
