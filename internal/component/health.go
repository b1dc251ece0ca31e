package component

type Health struct {
	Current float64 `yaml:"current"`
	Max     float64 `yaml:"max"`
}
