package data

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/world"
)

// Scene is the persisted form of a world: entities with their components
// and script references.
type Scene struct {
	Name     string        `yaml:"name"`
	Entities []SceneEntity `yaml:"entities"`
}

type SceneEntity struct {
	Name       string                `yaml:"name"`
	Tags       []string              `yaml:"tags,omitempty"`
	Transform  *component.Transform  `yaml:"transform,omitempty"`
	RigidBody  *component.RigidBody  `yaml:"rigidbody,omitempty"`
	Health     *component.Health     `yaml:"health,omitempty"`
	Properties *component.Properties `yaml:"properties,omitempty"`
	Script     *SceneScript          `yaml:"script,omitempty"`
}

// SceneScript is a script attachment. ScriptPath is the older flat form:
// a bare path to a Lua file, used as the runtime location when present.
type SceneScript struct {
	Ref        *component.ScriptReference     `yaml:"scriptRef,omitempty"`
	ScriptPath string                         `yaml:"scriptPath,omitempty"`
	Enabled    *bool                          `yaml:"enabled,omitempty"`
	Parameters map[string]any                 `yaml:"parameters,omitempty"`
	Schema     map[string]component.ParamType `yaml:"schema,omitempty"`
}

// Reference returns the script reference the runtime resolves.
func (s *SceneScript) Reference() (component.ScriptReference, error) {
	var ref component.ScriptReference
	if s.Ref != nil {
		ref = *s.Ref
	}
	if s.ScriptPath != "" {
		if ref.ScriptID == "" {
			ref.ScriptID = strings.TrimSuffix(path.Base(s.ScriptPath), ".lua")
		}
		if s.Ref == nil {
			ref.Origin = component.OriginExternal
		}
		if ref.External() {
			ref.Location = s.ScriptPath
		}
	}
	if ref.ScriptID == "" {
		return ref, errors.New("script has neither scriptRef.scriptId nor scriptPath")
	}
	if ref.Origin == "" {
		ref.Origin = component.OriginInline
	}
	return ref, nil
}

// LoadScene loads a scene file.
func LoadScene(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	var sc Scene
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scene %s: %w", path, err)
	}
	return &sc, nil
}

// Spawn creates every entity of the scene in ws. Entities whose script
// attachment is invalid are created without it; the errors are returned
// together.
func (sc *Scene) Spawn(ws *world.State) (int, error) {
	var errs []error
	for i := range sc.Entities {
		e := &sc.Entities[i]
		id := ws.Spawn(e.Name, e.Tags...)
		if e.Transform != nil {
			ws.AddTransform(id, *e.Transform)
		}
		if e.RigidBody != nil {
			ws.AddRigidBody(id, *e.RigidBody)
		}
		if e.Health != nil {
			ws.AddHealth(id, *e.Health)
		}
		if e.Properties != nil {
			ws.AddProperties(id, component.Properties{Values: numbers(e.Properties.Values)})
		}
		if e.Script == nil {
			continue
		}
		ref, err := e.Script.Reference()
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %q: %w", e.Name, err))
			continue
		}
		enabled := e.Script.Enabled == nil || *e.Script.Enabled
		if err := ws.AttachScript(id, component.Script{
			Ref:        ref,
			Enabled:    enabled,
			Parameters: numbers(e.Script.Parameters),
			Schema:     e.Script.Schema,
		}); err != nil {
			errs = append(errs, fmt.Errorf("entity %q: %w", e.Name, err))
		}
	}
	return len(sc.Entities), errors.Join(errs...)
}

// numbers turns YAML integers into float64, the only number type scripts
// and accessors deal in.
func numbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case uint64:
			out[k] = float64(n)
		case map[string]any:
			out[k] = numbers(n)
		default:
			out[k] = v
		}
	}
	return out
}

// Snapshot captures the live entities of ws as a scene.
func Snapshot(name string, ws *world.State) *Scene {
	sc := &Scene{Name: name}
	ws.Entities(func(id ecs.EntityID) {
		e := SceneEntity{Name: ws.Name(id), Tags: ws.Tags(id)}
		if v, ok := ws.Get(id, component.TransformID); ok {
			t := v.(component.Transform)
			e.Transform = &t
		}
		if v, ok := ws.Get(id, component.RigidBodyID); ok {
			b := v.(component.RigidBody)
			e.RigidBody = &b
		}
		if v, ok := ws.Get(id, component.HealthID); ok {
			h := v.(component.Health)
			e.Health = &h
		}
		if v, ok := ws.Get(id, component.PropertiesID); ok {
			p := v.(component.Properties)
			e.Properties = &p
		}
		if s, ok := ws.Script(id); ok {
			ref := s.Ref
			enabled := s.Enabled
			e.Script = &SceneScript{
				Ref:        &ref,
				Enabled:    &enabled,
				Parameters: s.Parameters,
				Schema:     s.Schema,
			}
		}
		sc.Entities = append(sc.Entities, e)
	})
	return sc
}

// SaveScene writes sc to path through a temporary file.
func SaveScene(path string, sc *Scene) error {
	raw, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write scene: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write scene: %w", err)
	}
	return nil
}

// Count returns the number of entities in the scene.
func (sc *Scene) Count() int {
	return len(sc.Entities)
}
