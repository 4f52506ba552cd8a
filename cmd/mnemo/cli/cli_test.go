package cli

import (
	"encoding/json"
	"testing"
)

func TestCLI_Root(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"process", "remember", "search", "context", "stats", "session", "identity", "config"} {
		if !names[want] {
			t.Errorf("expected %s command to be registered", want)
		}
	}
}

func TestCLI_Config(t *testing.T) {
	found := false
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() == "config" {
			found = true
			if len(cmd.Commands()) < 2 {
				t.Errorf("Expected set and get subcommands for config, got %d", len(cmd.Commands()))
			}
		}
	}
	if !found {
		t.Error("config command not found")
	}
}

func TestFormatIdentity(t *testing.T) {
	if got := formatIdentity(nil); got != "(not set)" {
		t.Errorf("missing identity should render as (not set), got %q", got)
	}
	if got := formatIdentity(json.RawMessage(`"Ada"`)); got != `"Ada"` {
		t.Errorf("expected raw JSON passthrough, got %q", got)
	}
}

func TestCLI_Session(t *testing.T) {
	for _, cmd := range RootCmd.Commands() {
		if cmd.Name() == "session" {
			if len(cmd.Commands()) != 2 {
				t.Errorf("Expected list and end subcommands for session, got %d", len(cmd.Commands()))
			}
			return
		}
	}
	t.Error("session command not found")
}
