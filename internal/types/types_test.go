package types

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestTaskSpec_WellFormed(t *testing.T) {
	cases := []struct {
		spec TaskSpec
		want bool
	}{
		{TaskSpec{ID: "a", Operation: "run"}, true},
		{TaskSpec{ID: "a", Description: "do things"}, true},
		{TaskSpec{ID: "a", Tool: "lint"}, true},
		{TaskSpec{ID: "a"}, false},
		{TaskSpec{Operation: "run"}, false},
	}
	for _, tc := range cases {
		if got := tc.spec.WellFormed(); got != tc.want {
			t.Errorf("WellFormed(%+v) = %v, want %v", tc.spec, got, tc.want)
		}
	}
}

func TestTaskSpec_Validate(t *testing.T) {
	if err := (TaskSpec{ID: "a", Operation: "run", Priority: 8}).Validate(); err == nil {
		t.Error("priority 8 should be rejected")
	}
	if err := (TaskSpec{ID: "a", Operation: "run", Priority: 1}).Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestTaskSpec_EffectivePriority(t *testing.T) {
	if got := (TaskSpec{ID: "a"}).EffectivePriority(); got != 7 {
		t.Errorf("unset priority = %d, want 7", got)
	}
	if got := (TaskSpec{ID: "a", Priority: 2}).EffectivePriority(); got != 2 {
		t.Errorf("priority = %d, want 2", got)
	}
}

func TestDuration_YAML(t *testing.T) {
	var parsed struct {
		AsString Duration `yaml:"as_string"`
		AsMillis Duration `yaml:"as_millis"`
	}
	doc := "as_string: 90s\nas_millis: 1500\n"
	if err := yaml.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.AsString.Std() != 90*time.Second {
		t.Errorf("as_string = %v", parsed.AsString.Std())
	}
	if parsed.AsMillis.Std() != 1500*time.Millisecond {
		t.Errorf("as_millis = %v", parsed.AsMillis.Std())
	}

	var bad struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: not-a-duration\n"), &bad); err == nil {
		t.Error("invalid duration string should fail")
	}
}

func TestValidStandard(t *testing.T) {
	for _, s := range []Standard{StandardSOX, StandardGDPR, StandardSOC2, StandardISO27001, StandardNIST} {
		if !ValidStandard(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if ValidStandard("HIPAA") {
		t.Error("HIPAA is not a supported standard")
	}
}
