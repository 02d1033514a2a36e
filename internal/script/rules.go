package script

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is a parsed YAML script.
type Document struct {
	Version int     `yaml:"version"`
	Scenes  []Scene `yaml:"scenes"`

	// Schedule gives default times as offsets from trip creation; a trip's
	// own schedule map overrides them.
	Schedule map[string]string `yaml:"schedule"`
	Triggers []TriggerDef      `yaml:"triggers"`
}

// Scene is a container of triggers. OnEnter runs when start_scene enters it.
type Scene struct {
	Name    string `yaml:"name"`
	OnEnter []Step `yaml:"on_enter"`
}

// TriggerDef fires Steps either at a schedule time or on a matching event.
type TriggerDef struct {
	Name       string   `yaml:"name"`
	Scene      string   `yaml:"scene"`
	At         *TimeRef `yaml:"at"`
	Event      string   `yaml:"event"`
	If         string   `yaml:"if"`
	Repeatable bool     `yaml:"repeatable"`
	Steps      []Step   `yaml:"steps"`
}

// TimeRef points at a schedule entry with an optional offset.
type TimeRef struct {
	Schedule string `yaml:"schedule"`
	Offset   string `yaml:"offset"`
}

// Step is one "name: params" entry of a step list.
type Step struct {
	Name   string
	Params map[string]interface{}
}

// UnmarshalYAML accepts either a bare step name or a single-key mapping
// whose value is a scalar or a mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		s.Name = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: step must have exactly one key", node.Line)
		}
		s.Name = node.Content[0].Value
		value := node.Content[1]
		switch value.Kind {
		case yaml.MappingNode:
			return value.Decode(&s.Params)
		case yaml.ScalarNode:
			var v interface{}
			if err := value.Decode(&v); err != nil {
				return err
			}
			s.Params = map[string]interface{}{"value": v}
			return nil
		default:
			return fmt.Errorf("line %d: step %q has unsupported value", node.Line, s.Name)
		}
	default:
		return fmt.Errorf("line %d: step must be a name or mapping", node.Line)
	}
}

// Parse decodes and validates a script document.
func Parse(content []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse script YAML: %w", err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported script version: %d", doc.Version)
	}

	scenes := make(map[string]bool, len(doc.Scenes))
	for _, sc := range doc.Scenes {
		if sc.Name == "" {
			return nil, fmt.Errorf("scene without name")
		}
		if scenes[sc.Name] {
			return nil, fmt.Errorf("duplicate scene %q", sc.Name)
		}
		scenes[sc.Name] = true
	}
	for key, offset := range doc.Schedule {
		if _, err := time.ParseDuration(offset); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", key, err)
		}
	}

	names := make(map[string]bool, len(doc.Triggers))
	for _, tr := range doc.Triggers {
		if tr.Name == "" {
			return nil, fmt.Errorf("trigger without name")
		}
		if names[tr.Name] {
			return nil, fmt.Errorf("duplicate trigger %q", tr.Name)
		}
		names[tr.Name] = true
		if tr.Scene != "" && !scenes[tr.Scene] {
			return nil, fmt.Errorf("trigger %q: unknown scene %q", tr.Name, tr.Scene)
		}
		if tr.At == nil && tr.Event == "" {
			return nil, fmt.Errorf("trigger %q: needs at or event", tr.Name)
		}
		if tr.At != nil {
			if tr.At.Schedule == "" {
				return nil, fmt.Errorf("trigger %q: at needs schedule", tr.Name)
			}
			if tr.At.Offset != "" {
				if _, err := time.ParseDuration(tr.At.Offset); err != nil {
					return nil, fmt.Errorf("trigger %q offset: %w", tr.Name, err)
				}
			}
		}
	}
	return &doc, nil
}

func (d *Document) scene(name string) *Scene {
	for i := range d.Scenes {
		if d.Scenes[i].Name == name {
			return &d.Scenes[i]
		}
	}
	return nil
}

func (d *Document) trigger(name string) *TriggerDef {
	for i := range d.Triggers {
		if d.Triggers[i].Name == name {
			return &d.Triggers[i]
		}
	}
	return nil
}
