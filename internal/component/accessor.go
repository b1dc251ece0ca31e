package component

import "fmt"

// Accessor reads and writes individual fields of one component type. The
// component is passed as a pointer to its concrete type.
type Accessor interface {
	Fields() []string
	Get(c any, field string) (any, error)
	Set(c any, field string, v any) error
}

var accessors = map[ID]Accessor{
	TransformID:  transformAccessor{},
	RigidBodyID:  rigidBodyAccessor{},
	HealthID:     healthAccessor{},
	PropertiesID: propertiesAccessor{},
}

// Lookup returns the field accessor registered for a component id.
func Lookup(id ID) (Accessor, bool) {
	a, ok := accessors[id]
	return a, ok
}

// Writable reports whether scripts may write the component through mutations.
func Writable(id ID) bool {
	_, ok := accessors[id]
	return ok
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func vecAxis(v *Vec3, axis string) *float64 {
	switch axis {
	case "x":
		return &v.X
	case "y":
		return &v.Y
	case "z":
		return &v.Z
	}
	return nil
}

func vecFields(prefix ...string) []string {
	out := make([]string, 0, len(prefix)*3)
	for _, p := range prefix {
		out = append(out, p+".x", p+".y", p+".z")
	}
	return out
}

// ── Transform ──

type transformAccessor struct{}

var transformFields = vecFields("position", "rotation", "scale")

func (transformAccessor) Fields() []string { return transformFields }

func (transformAccessor) slot(c any, field string) (*float64, error) {
	t, ok := c.(*Transform)
	if !ok {
		return nil, fmt.Errorf("transform accessor got %T", c)
	}
	var vec *Vec3
	var axis string
	switch {
	case len(field) == 10 && field[:9] == "position.":
		vec, axis = &t.Position, field[9:]
	case len(field) == 10 && field[:9] == "rotation.":
		vec, axis = &t.Rotation, field[9:]
	case len(field) == 7 && field[:6] == "scale.":
		vec, axis = &t.Scale, field[6:]
	default:
		return nil, invalid(TransformID, field, ErrUnknownField)
	}
	p := vecAxis(vec, axis)
	if p == nil {
		return nil, invalid(TransformID, field, ErrUnknownField)
	}
	return p, nil
}

func (a transformAccessor) Get(c any, field string) (any, error) {
	p, err := a.slot(c, field)
	if err != nil {
		return nil, err
	}
	return *p, nil
}

func (a transformAccessor) Set(c any, field string, v any) error {
	p, err := a.slot(c, field)
	if err != nil {
		return err
	}
	n, ok := toNumber(v)
	if !ok {
		return invalid(TransformID, field, fmt.Errorf("%w: want number, got %T", ErrTypeMismatch, v))
	}
	*p = n
	return nil
}

// ── RigidBody ──

type rigidBodyAccessor struct{}

var rigidBodyFields = append(vecFields("velocity"), "mass", "kinematic")

func (rigidBodyAccessor) Fields() []string { return rigidBodyFields }

func (rigidBodyAccessor) Get(c any, field string) (any, error) {
	b, ok := c.(*RigidBody)
	if !ok {
		return nil, fmt.Errorf("rigidbody accessor got %T", c)
	}
	switch field {
	case "mass":
		return b.Mass, nil
	case "kinematic":
		return b.Kinematic, nil
	}
	if len(field) == 10 && field[:9] == "velocity." {
		if p := vecAxis(&b.Velocity, field[9:]); p != nil {
			return *p, nil
		}
	}
	return nil, invalid(RigidBodyID, field, ErrUnknownField)
}

func (rigidBodyAccessor) Set(c any, field string, v any) error {
	b, ok := c.(*RigidBody)
	if !ok {
		return fmt.Errorf("rigidbody accessor got %T", c)
	}
	if field == "kinematic" {
		k, ok := v.(bool)
		if !ok {
			return invalid(RigidBodyID, field, fmt.Errorf("%w: want boolean, got %T", ErrTypeMismatch, v))
		}
		b.Kinematic = k
		return nil
	}
	var p *float64
	switch {
	case field == "mass":
		p = &b.Mass
	case len(field) == 10 && field[:9] == "velocity.":
		p = vecAxis(&b.Velocity, field[9:])
	}
	if p == nil {
		return invalid(RigidBodyID, field, ErrUnknownField)
	}
	n, ok := toNumber(v)
	if !ok {
		return invalid(RigidBodyID, field, fmt.Errorf("%w: want number, got %T", ErrTypeMismatch, v))
	}
	*p = n
	return nil
}

// ── Health ──

type healthAccessor struct{}

func (healthAccessor) Fields() []string { return []string{"current", "max"} }

func (healthAccessor) slot(c any, field string) (*float64, error) {
	h, ok := c.(*Health)
	if !ok {
		return nil, fmt.Errorf("health accessor got %T", c)
	}
	switch field {
	case "current":
		return &h.Current, nil
	case "max":
		return &h.Max, nil
	}
	return nil, invalid(HealthID, field, ErrUnknownField)
}

func (a healthAccessor) Get(c any, field string) (any, error) {
	p, err := a.slot(c, field)
	if err != nil {
		return nil, err
	}
	return *p, nil
}

func (a healthAccessor) Set(c any, field string, v any) error {
	p, err := a.slot(c, field)
	if err != nil {
		return err
	}
	n, ok := toNumber(v)
	if !ok {
		return invalid(HealthID, field, fmt.Errorf("%w: want number, got %T", ErrTypeMismatch, v))
	}
	*p = n
	return nil
}

// ── Properties ──

type propertiesAccessor struct{}

func (propertiesAccessor) Fields() []string { return nil }

func (propertiesAccessor) Get(c any, field string) (any, error) {
	p, ok := c.(*Properties)
	if !ok {
		return nil, fmt.Errorf("properties accessor got %T", c)
	}
	if field == "" {
		return nil, invalid(PropertiesID, field, ErrUnknownField)
	}
	return p.Values[field], nil
}

// Set stores a scalar value; nil deletes the key.
func (propertiesAccessor) Set(c any, field string, v any) error {
	p, ok := c.(*Properties)
	if !ok {
		return fmt.Errorf("properties accessor got %T", c)
	}
	if field == "" {
		return invalid(PropertiesID, field, ErrUnknownField)
	}
	if v == nil {
		delete(p.Values, field)
		return nil
	}
	switch x := v.(type) {
	case string, bool:
	default:
		n, ok := toNumber(x)
		if !ok {
			return invalid(PropertiesID, field, fmt.Errorf("%w: want scalar, got %T", ErrTypeMismatch, v))
		}
		v = n
	}
	if p.Values == nil {
		p.Values = make(map[string]any, 4)
	}
	p.Values[field] = v
	return nil
}
