package orgnr

import (
	"errors"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		err   bool
	}{
		{name: "dashed", input: "556016-0680", want: "556016-0680"},
		{name: "compact", input: "5560160680", want: "556016-0680"},
		{name: "century prefix", input: "165560160680", want: "556016-0680"},
		{name: "surrounding space", input: " 556016-0680 ", want: "556016-0680"},
		{name: "wrong check digit", input: "556016-0681", err: true},
		{name: "too short", input: "55601606", err: true},
		{name: "letters", input: "55601A-0680", err: true},
		{name: "leading dash", input: "-5560160680", err: true},
		{name: "empty", input: "", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.err {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("expected ErrInvalid, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Normalize(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestRule(t *testing.T) {
	if err := validation.Validate("556016-0680", Rule); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := validation.Validate("", Rule); err != nil {
		t.Fatalf("expected empty to pass, got %v", err)
	}
	if err := validation.Validate("556016-0681", Rule); err == nil {
		t.Fatal("expected invalid number to fail")
	}
	if err := validation.Validate("", validation.Required, Rule); err == nil {
		t.Fatal("expected Required to reject empty")
	}
}
