package component

// ID names a component type. It is the key of the accessor table and the
// component part of every mutation entry.
type ID string

const (
	TransformID  ID = "Transform"
	RigidBodyID  ID = "RigidBody"
	HealthID     ID = "Health"
	PropertiesID ID = "Properties"
	ScriptID     ID = "Script"
)
