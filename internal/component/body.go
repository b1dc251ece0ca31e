package component

// RigidBody carries the script-writable inputs consumed by physics stepping.
type RigidBody struct {
	Velocity  Vec3    `yaml:"velocity"`
	Mass      float64 `yaml:"mass"`
	Kinematic bool    `yaml:"kinematic"`
}
