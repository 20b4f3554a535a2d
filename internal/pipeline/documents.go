package pipeline

import (
	"bytes"
	"fmt"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielolaszy/capflow/internal/sourcesync"
	"github.com/danielolaszy/capflow/pkg/models"
)

const docsRoot = "docs/capabilities"

type documentMeta struct {
	Capability string       `yaml:"capability"`
	Title      string       `yaml:"title"`
	Stage      models.Stage `yaml:"stage"`
	Version    int          `yaml:"version"`
	Status     string       `yaml:"status"`
	Author     string       `yaml:"author,omitempty"`
	Updated    string       `yaml:"updated"`
	Diagram    string       `yaml:"diagram,omitempty"`
}

// DocumentPath is where a stage document lives in the repository.
func DocumentPath(capabilityID string, s models.Stage) string {
	return path.Join(docsRoot, sourcesync.NormalizeSegment(capabilityID), string(s)+".md")
}

// DiagramPath is where a stage document's diagram source lives.
func DiagramPath(capabilityID string, s models.Stage) string {
	return path.Join(docsRoot, sourcesync.NormalizeSegment(capabilityID), string(s)+".mmd")
}

// renderDocument prefixes the content with YAML front matter.
func renderDocument(c *models.Capability, doc *models.StageDocument) (string, error) {
	meta := documentMeta{
		Capability: c.ID,
		Title:      c.Title,
		Stage:      doc.StageKey,
		Version:    doc.Version,
		Status:     doc.Status,
		Author:     doc.Author,
		Updated:    doc.CreatedAt.UTC().Format(time.RFC3339),
	}
	if doc.Diagram != "" {
		meta.Diagram = path.Base(DiagramPath(c.ID, doc.StageKey))
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(doc.Content)
	return buf.String(), nil
}

// documentFiles renders the repository files for docs.
func documentFiles(c *models.Capability, docs []*models.StageDocument) ([]sourcesync.File, error) {
	files := make([]sourcesync.File, 0, len(docs)*2)
	for _, doc := range docs {
		content, err := renderDocument(c, doc)
		if err != nil {
			return nil, err
		}
		files = append(files, sourcesync.File{Path: DocumentPath(c.ID, doc.StageKey), Content: content})
		if doc.Diagram != "" {
			files = append(files, sourcesync.File{Path: DiagramPath(c.ID, doc.StageKey), Content: doc.Diagram})
		}
	}
	return files, nil
}
