package model

import "testing"

func TestAssignPortsSkipsDisabled(t *testing.T) {
	enabled := map[Functionality]bool{
		FunctionalityGraph:      true,
		FunctionalityVehicle:    true,
		FunctionalitySimulation: true,
	}

	got := AssignPorts(18001, enabled)
	want := []Binding{
		{Functionality: FunctionalityGraph, Port: 18001},
		{Functionality: FunctionalityVehicle, Port: 18002},
		{Functionality: FunctionalitySimulation, Port: 18003},
	}
	if len(got) != len(want) {
		t.Fatalf("AssignPorts returned %d bindings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("binding[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAssignPortsAllEnabled(t *testing.T) {
	enabled := make(map[Functionality]bool)
	for _, f := range Catalogue {
		enabled[f] = true
	}
	got := AssignPorts(20000, enabled)
	for i, b := range got {
		if b.Port != 20000+i {
			t.Fatalf("%s bound to %d, want %d", b.Functionality, b.Port, 20000+i)
		}
		if b.Functionality != Catalogue[i] {
			t.Fatalf("binding[%d] = %s, want %s", i, b.Functionality, Catalogue[i])
		}
	}
}

func TestParseFunctionality(t *testing.T) {
	f, err := ParseFunctionality(" Vehicle ")
	if err != nil {
		t.Fatalf("ParseFunctionality: %v", err)
	}
	if f != FunctionalityVehicle {
		t.Fatalf("ParseFunctionality = %q, want %q", f, FunctionalityVehicle)
	}
	if _, err := ParseFunctionality("teleport"); err == nil {
		t.Fatalf("expected error for unknown functionality")
	}
}
