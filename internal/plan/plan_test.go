package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePlan = `
story:
  id: the-lighthouse
  logline: "A keeper waits
    for a ship that never comes."
workflow: workflow.jsonc
frame_floor: 24
scenes:
  - id: "1"
    prompt: a lighthouse at dusk
    frames: 48
    vars:
      seed: 7
  - id: "2"
    prompt: storm over the sea
    frames: 32
`

const sampleTemplate = `{
  // sampler node
  "3": {
    "class_type": "KSampler",
    "inputs": {"seed": "${seed}", "steps": 20, "text": "${PROMPT}",},
  },
  /* output */
  "9": {
    "class_type": "SaveImage",
    "inputs": {"filename_prefix": "${PREFIX}", "batch": "${FRAMES}", "label": "scene ${SCENE_ID} of ${STORY_ID}"},
  },
}`

func writePlan(t *testing.T, plan, tmpl string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "workflow.jsonc"), []byte(tmpl), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndExpand(t *testing.T) {
	p, err := Load(writePlan(t, samplePlan, sampleTemplate))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.DisplayTitle() != "The Lighthouse" {
		t.Fatalf("unexpected title %q", p.DisplayTitle())
	}
	if p.Logline() != "A keeper waits for a ship that never comes." {
		t.Fatalf("unexpected logline %q", p.Logline())
	}
	if p.FrameFloor != 24 || len(p.Scenes) != 2 {
		t.Fatalf("unexpected plan %+v", p)
	}

	payload, err := p.Payload(p.Scenes[0], "run-1/scene-1")
	if err != nil {
		t.Fatalf("Payload returned error: %v", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	text := string(encoded)
	for _, want := range []string{
		`"seed":7`,
		`"steps":20`,
		`"text":"a lighthouse at dusk"`,
		`"filename_prefix":"run-1/scene-1"`,
		`"batch":48`,
		`"label":"scene 1 of the-lighthouse"`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in %s", want, text)
		}
	}
}

func TestPayloadUnknownVariable(t *testing.T) {
	p, err := Load(writePlan(t, samplePlan, sampleTemplate))
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Payload(p.Scenes[1], "run-1/scene-2")
	if err == nil || !strings.Contains(err.Error(), "seed") {
		t.Fatalf("expected undefined seed error, got %v", err)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing story", "workflow: w.jsonc\nscenes: [{id: a}]\n", "story.id"},
		{"no scenes", "story: {id: s}\nworkflow: w.jsonc\n", "at least one scene"},
		{"duplicate", "story: {id: s}\nworkflow: w.jsonc\nscenes: [{id: a}, {id: a}]\n", "duplicated"},
		{"bad id", "story: {id: s}\nworkflow: w.jsonc\nscenes: [{id: 'a/b'}]\n", "may only contain"},
		{"unknown field", "story: {id: s}\nworkflow: w.jsonc\nscenes: [{id: a}]\nextra: 1\n", "extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseTemplateRejectsNonObject(t *testing.T) {
	if _, err := ParseTemplate([]byte(`[1, 2]`)); err == nil {
		t.Fatal("expected error for array template")
	}
}

func TestExpandTypedAndTextual(t *testing.T) {
	tmpl := map[string]any{
		"n":    "${N}",
		"list": []any{"${N}", "x${N}y"},
	}
	out, err := Expand(tmpl, map[string]any{"N": 3})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["n"] != 3 {
		t.Fatalf("expected typed 3, got %#v", m["n"])
	}
	list := m["list"].([]any)
	if list[0] != 3 || list[1] != "x3y" {
		t.Fatalf("unexpected list %#v", list)
	}
	if tmpl["n"] != "${N}" {
		t.Fatal("template must not be mutated")
	}
}
