package component

// Properties is a free-form bag of scalar values authored per entity.
// Values are float64, string or bool.
type Properties struct {
	Values map[string]any `yaml:",inline"`
}
