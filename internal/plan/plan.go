// Package plan loads a story's scene plan (YAML) and its workflow template
// (JSONC), and expands the template into one backend payload per scene.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var sceneIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Story identifies the narrative a run renders.
type Story struct {
	ID      string `yaml:"id" json:"ID"`
	Title   string `yaml:"title" json:"Title"`
	Logline string `yaml:"logline" json:"Logline"`
}

// Scene is one unit of rendering work.
type Scene struct {
	ID     string         `yaml:"id"`
	Prompt string         `yaml:"prompt"`
	Frames int            `yaml:"frames"`
	Vars   map[string]any `yaml:"vars"`
}

// Plan is a decoded scene plan.
type Plan struct {
	Story      Story   `yaml:"story"`
	Workflow   string  `yaml:"workflow"`
	FrameFloor int     `yaml:"frame_floor"`
	Scenes     []Scene `yaml:"scenes"`

	path     string
	template any
}

// Load reads the plan at path and the workflow template it references.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.path = path

	workflow := p.Workflow
	if !filepath.IsAbs(workflow) {
		workflow = filepath.Join(filepath.Dir(path), workflow)
	}
	tmpl, err := LoadTemplate(workflow)
	if err != nil {
		return nil, err
	}
	p.template = tmpl
	return p, nil
}

// Parse decodes and validates plan YAML. The workflow template is not loaded.
func Parse(data []byte) (*Plan, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var p Plan
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) normalize() {
	p.Story.ID = strings.TrimSpace(p.Story.ID)
	p.Story.Title = strings.TrimSpace(p.Story.Title)
	p.Story.Logline = strings.Join(strings.Fields(p.Story.Logline), " ")
	p.Workflow = strings.TrimSpace(p.Workflow)
	for i := range p.Scenes {
		p.Scenes[i].ID = strings.TrimSpace(p.Scenes[i].ID)
	}
}

// Validate reports every structural problem in the plan.
func (p *Plan) Validate() error {
	var errs []error
	if p.Story.ID == "" {
		errs = append(errs, errors.New("story.id is required"))
	}
	if p.Workflow == "" {
		errs = append(errs, errors.New("workflow is required"))
	}
	if p.FrameFloor < 0 {
		errs = append(errs, errors.New("frame_floor must be non-negative"))
	}
	if len(p.Scenes) == 0 {
		errs = append(errs, errors.New("at least one scene is required"))
	}
	seen := make(map[string]struct{}, len(p.Scenes))
	for i, scene := range p.Scenes {
		switch {
		case scene.ID == "":
			errs = append(errs, fmt.Errorf("scenes[%d].id is required", i))
			continue
		case !sceneIDPattern.MatchString(scene.ID):
			errs = append(errs, fmt.Errorf("scenes[%d].id %q may only contain letters, digits, '-' and '_'", i, scene.ID))
		}
		if _, dup := seen[scene.ID]; dup {
			errs = append(errs, fmt.Errorf("scenes[%d].id %q is duplicated", i, scene.ID))
		}
		seen[scene.ID] = struct{}{}
		if scene.Frames < 0 {
			errs = append(errs, fmt.Errorf("scenes[%d].frames must be non-negative", i))
		}
	}
	return errors.Join(errs...)
}

// DisplayTitle returns the story title, deriving one from the id when unset.
func (p *Plan) DisplayTitle() string {
	if p.Story.Title != "" {
		return p.Story.Title
	}
	words := strings.FieldsFunc(p.Story.ID, func(r rune) bool { return r == '-' || r == '_' || r == '.' })
	return cases.Title(language.Und).String(strings.Join(words, " "))
}

// Logline returns the logline, or a placeholder naming the scene count.
func (p *Plan) Logline() string {
	if p.Story.Logline != "" {
		return p.Story.Logline
	}
	return fmt.Sprintf("%s in %d scenes", p.DisplayTitle(), len(p.Scenes))
}

// Path returns the file the plan was loaded from.
func (p *Plan) Path() string {
	return p.path
}

// SetTemplate installs an already decoded workflow template.
func (p *Plan) SetTemplate(tmpl any) {
	p.template = tmpl
}

// Payload expands the workflow template for one scene.
func (p *Plan) Payload(scene Scene, prefix string) (any, error) {
	if p.template == nil {
		return nil, errors.New("plan: workflow template not loaded")
	}
	vars := map[string]any{
		"PROMPT":   scene.Prompt,
		"PREFIX":   prefix,
		"FRAMES":   scene.Frames,
		"SCENE_ID": scene.ID,
		"STORY_ID": p.Story.ID,
	}
	for k, v := range scene.Vars {
		vars[k] = v
	}
	out, err := Expand(p.template, vars)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", scene.ID, err)
	}
	return out, nil
}
