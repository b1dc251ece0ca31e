package scripting

// Lifecycle names an entry point of a script.
type Lifecycle uint8

const (
	// Load runs the chunk itself: top-level statements and handle lookup.
	Load Lifecycle = iota
	OnStart
	OnUpdate
	OnDestroy
	OnEnable
	OnDisable
	// Callback is a timer or event handler invocation.
	Callback

	numLifecycles
)

var lifecycleNames = [numLifecycles]string{
	Load:      "load",
	OnStart:   "onStart",
	OnUpdate:  "onUpdate",
	OnDestroy: "onDestroy",
	OnEnable:  "onEnable",
	OnDisable: "onDisable",
	Callback:  "callback",
}

func (l Lifecycle) String() string {
	if l < numLifecycles {
		return lifecycleNames[l]
	}
	return "unknown"
}

// Hooks lists the lifecycle functions a script may define, in lookup order.
var Hooks = []Lifecycle{OnStart, OnUpdate, OnDestroy, OnEnable, OnDisable}

// Handles is the set of lifecycle functions a compiled script defines.
type Handles uint8

func (h Handles) Has(l Lifecycle) bool { return h&(1<<l) != 0 }

func (h Handles) With(l Lifecycle) Handles { return h | 1<<l }

func (h Handles) String() string {
	out := ""
	for _, l := range Hooks {
		if h.Has(l) {
			if out != "" {
				out += ","
			}
			out += l.String()
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// HookByName maps a function name as written in a script to its lifecycle.
func HookByName(name string) (Lifecycle, bool) {
	for _, l := range Hooks {
		if lifecycleNames[l] == name {
			return l, true
		}
	}
	return 0, false
}
