package main

import (
	"bytes"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNormalizeCmd(t *testing.T) {
	t.Setenv("PAIRGATE_CONFIG", "")
	t.Setenv("PAIRGATE_COUNTRY_CODE", "351")

	out, err := run(t, "normalize", "--country-code", "258", "082 123 4567", "+258821234567")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got, want := strings.Fields(out), []string{"258821234567", "258821234567"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}

	out, err = run(t, "normalize", "821234567")
	if err != nil {
		t.Fatalf("normalize with config default: %v", err)
	}
	if strings.TrimSpace(out) != "351821234567" {
		t.Fatalf("country code should come from config, got %q", out)
	}

	if _, err := run(t, "normalize", "--country-code", "258", "abc"); err == nil {
		t.Fatalf("expected error for a number without digits")
	}
}

func TestCheckConfigCmd(t *testing.T) {
	t.Setenv("PAIRGATE_CONFIG", "")
	t.Setenv("PAIRGATE_CONNECTOR", "loopback")

	out, err := run(t, "check-config")
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if !strings.Contains(out, "config ok") {
		t.Fatalf("unexpected output %q", out)
	}

	t.Setenv("PAIRGATE_CONNECTOR", "carrier-pigeon")
	if _, err := run(t, "check-config"); err == nil {
		t.Fatalf("expected validation error")
	}
}
