package component

// Vec3 is a plain 3-component vector.
type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Transform is read by the renderer and physics sync after each frame's flush.
// Rotation is Euler angles in radians.
type Transform struct {
	Position Vec3 `yaml:"position"`
	Rotation Vec3 `yaml:"rotation"`
	Scale    Vec3 `yaml:"scale"`
}

func DefaultTransform() Transform {
	return Transform{Scale: Vec3{X: 1, Y: 1, Z: 1}}
}
