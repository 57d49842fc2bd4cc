package model

import (
	"fmt"
	"strings"
)

// Functionality is a named gateway capability. Each enabled functionality is
// served on exactly one TCP port for the lifetime of the process.
type Functionality string

const (
	FunctionalityGraph      Functionality = "graph"
	FunctionalityRoute      Functionality = "route"
	FunctionalityVehicle    Functionality = "vehicle"
	FunctionalityLights     Functionality = "lights"
	FunctionalitySimulation Functionality = "simulation"
)

// Catalogue lists every functionality in port-assignment order.
var Catalogue = []Functionality{
	FunctionalityGraph,
	FunctionalityRoute,
	FunctionalityVehicle,
	FunctionalityLights,
	FunctionalitySimulation,
}

// ParseFunctionality resolves a name (case-insensitive) to a catalogued
// functionality.
func ParseFunctionality(name string) (Functionality, error) {
	f := Functionality(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Catalogue {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown functionality %q", name)
}

// Binding is the fixed association between a functionality and its port.
type Binding struct {
	Functionality Functionality
	Port          int
}

// AssignPorts binds enabled functionalities to contiguous ports starting at
// base, in catalogue order. Disabled functionalities do not consume a port.
func AssignPorts(base int, enabled map[Functionality]bool) []Binding {
	bindings := make([]Binding, 0, len(Catalogue))
	port := base
	for _, f := range Catalogue {
		if !enabled[f] {
			continue
		}
		bindings = append(bindings, Binding{Functionality: f, Port: port})
		port++
	}
	return bindings
}
