package component

// Origin says where a script's source text lives.
type Origin string

const (
	OriginInline   Origin = "inline"
	OriginExternal Origin = "external"
)

// ScriptReference is the persisted pointer to a script's source. It is only
// changed by explicit author actions (save, rename, convert).
type ScriptReference struct {
	ScriptID     string  `yaml:"scriptId"`
	Origin       Origin  `yaml:"origin"`
	Location     string  `yaml:"path,omitempty"`
	Code         string  `yaml:"code,omitempty"` // inline origin only
	CodeHash     string  `yaml:"codeHash,omitempty"`
	LastModified float64 `yaml:"lastModified,omitempty"` // unix millis
}

// External reports whether the source has to be fetched from a backing store.
func (r ScriptReference) External() bool { return r.Origin == OriginExternal }

// SourceLocation returns the location used to fetch an external script,
// defaulting to the script id.
func (r ScriptReference) SourceLocation() string {
	if r.Location != "" {
		return r.Location
	}
	return r.ScriptID
}

// ParamType is the declared type of a script parameter.
type ParamType string

const (
	ParamNumber ParamType = "number"
	ParamString ParamType = "string"
	ParamBool   ParamType = "boolean"
	ParamTable  ParamType = "table"
)

// Script attaches a behavior script to an entity.
type Script struct {
	Ref        ScriptReference
	Enabled    bool
	Parameters map[string]any
	Schema     map[string]ParamType
}

// SameSource reports whether two references would resolve to the same code.
func (r ScriptReference) SameSource(o ScriptReference) bool {
	return r.ScriptID == o.ScriptID && r.Origin == o.Origin &&
		r.Location == o.Location && r.Code == o.Code
}
