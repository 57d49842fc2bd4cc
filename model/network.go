package model

// Network is a scenario the engine can load: a sumocfg configuration and the
// road network it references. Selected once at startup.
type Network struct {
	ID         string `yaml:"id"`
	ConfigFile string `yaml:"config_file"`
	NetFile    string `yaml:"net_file"`
}
