package main

import "testing"

func TestFlagValue(t *testing.T) {
	args := []string{"--config", "/etc/radgate.yaml", "--study", "1.2.3"}
	if got := flagValue(args, "--study"); got != "1.2.3" {
		t.Fatalf("got %q", got)
	}
	if got := flagValue(args, "--missing"); got != "" {
		t.Fatalf("missing flag returned %q", got)
	}
	if got := flagValue([]string{"--study"}, "--study"); got != "" {
		t.Fatalf("flag without value returned %q", got)
	}
}

func TestFirstFlag_AliasFallback(t *testing.T) {
	if got := firstFlag([]string{"--route", "GATE"}, "--route", "--listener"); got != "GATE" {
		t.Fatalf("got %q", got)
	}
	if got := firstFlag([]string{"--listener", "GATE"}, "--route", "--listener"); got != "GATE" {
		t.Fatalf("alias not honored, got %q", got)
	}
	if got := firstFlag([]string{"--route", "A", "--listener", "B"}, "--route", "--listener"); got != "A" {
		t.Fatalf("primary flag should win, got %q", got)
	}
}
