package protocol

import (
	"errors"
	"testing"
)

// cycleJSON is a small but complete protocol: a reaction cycle holding a
// temperature step and a nested group with a wait and an image sequence.
const cycleJSON = `{
  "label": "cycle",
  "event_type": "ReactionCycle",
  "ReactionCycle_args": {
    "iterations": 2,
    "cleaving": {
      "schema_version": 0,
      "capture_period_ms": 100,
      "cleaving_duration_ms": 2000,
      "cleaving_intensity_per_mille": 800
    },
    "events": [
      {
        "label": "warm",
        "event_type": "SetTemperature",
        "SetTemperature_args": {"target_temperature_kelvin": 310.0}
      },
      {
        "label": "inner",
        "event_type": "Group",
        "Group_args": {
          "iterations": 1,
          "events": [
            {"label": "pause", "event_type": "Wait", "Wait_args": {"duration_ms": 500}},
            {
              "label": "snap",
              "event_type": "ImageSequence",
              "ImageSequence_args": {
                "schema_version": 0,
                "images": [
                  {"label": "dark"},
                  {"label": "red_flash", "flashes": [{"led": "red", "duration_ms": 50}]}
                ]
              }
            }
          ]
        }
      }
    ]
  }
}`

func TestLoadAssignsPreOrderLines(t *testing.T) {
	root, count, err := Load([]byte(cycleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
	if root.Count() != count {
		t.Errorf("root.Count() = %d, want %d", root.Count(), count)
	}

	var lines []int
	var labels []string
	root.Walk(func(s *Step) {
		lines = append(lines, s.Line)
		labels = append(labels, s.Label)
	})

	for i, line := range lines {
		if line != i {
			t.Errorf("node %d has line %d, want %d", i, line, i)
		}
	}
	wantLabels := []string{"cycle", "warm", "inner", "pause", "snap"}
	for i, want := range wantLabels {
		if labels[i] != want {
			t.Errorf("node %d label = %q, want %q", i, labels[i], want)
		}
	}
}

func TestLoadAssignsDepth(t *testing.T) {
	root, _, err := Load([]byte(cycleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var depths []int
	root.Walk(func(s *Step) { depths = append(depths, s.Depth) })
	want := []int{0, 1, 1, 2, 2}
	for i, d := range want {
		if depths[i] != d {
			t.Errorf("node %d depth = %d, want %d", i, depths[i], d)
		}
	}
}

func TestLoadCarriesCleaving(t *testing.T) {
	root, _, err := Load([]byte(cycleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if root.Kind != KindReactionCycle {
		t.Fatalf("root kind = %q", root.Kind)
	}
	if root.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", root.Iterations)
	}
	if root.Cleaving == nil {
		t.Fatal("root.Cleaving is nil")
	}
	if root.Cleaving.CleavingIntensityPerMille != 800 {
		t.Errorf("cleaving intensity = %d, want 800", root.Cleaving.CleavingIntensityPerMille)
	}
}

func TestLoadUnsupportedKind(t *testing.T) {
	_, _, err := Load([]byte(`{"label": "x", "event_type": "Teleport"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	var uke *UnsupportedKindError
	if !errors.As(err, &uke) {
		t.Fatalf("error %T, want *UnsupportedKindError", err)
	}
	if uke.EventType != "Teleport" {
		t.Errorf("EventType = %q, want Teleport", uke.EventType)
	}
}

func TestLoadMissingVariantArgs(t *testing.T) {
	_, _, err := Load([]byte(`{"label": "x", "event_type": "Wait"}`))
	if err == nil {
		t.Fatal("expected error for Wait step without Wait_args")
	}
}

func TestStepDetails(t *testing.T) {
	root, _, err := Load([]byte(cycleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cases := map[string]string{
		"cycle": "2 iterations, 4 children",
		"warm":  "310.00 K",
		"pause": "0.5 seconds",
		"snap":  "2 images",
	}
	root.Walk(func(s *Step) {
		want, ok := cases[s.Label]
		if !ok {
			return
		}
		if got := s.Details(); got != want {
			t.Errorf("%s Details() = %q, want %q", s.Label, got, want)
		}
	})
}
