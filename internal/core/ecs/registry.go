package ecs

// Registry indexes the component stores of a World by name. Destroying an
// entity clears it from every column; lookups by name back the generic
// component queries scripts make.
type Registry struct {
	columns []Column
	byName  map[string]Column
}

func NewRegistry() *Registry {
	return &Registry{
		columns: make([]Column, 0, 8),
		byName:  make(map[string]Column, 8),
	}
}

// Register adds a column. A second column with the same name replaces the
// first for lookups but both are still cleared on destroy.
func (r *Registry) Register(c Column) {
	r.columns = append(r.columns, c)
	r.byName[c.Name()] = c
}

// Column returns the store registered under name.
func (r *Registry) Column(name string) (Column, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Has reports whether id carries the named component.
func (r *Registry) Has(id EntityID, name string) bool {
	c, ok := r.byName[name]
	return ok && c.Has(id)
}

// Names lists the components id carries, in registration order.
func (r *Registry) Names(id EntityID) []string {
	var out []string
	for _, c := range r.columns {
		if c.Has(id) {
			out = append(out, c.Name())
		}
	}
	return out
}

func (r *Registry) removeAll(id EntityID) {
	for _, c := range r.columns {
		c.Remove(id)
	}
}
