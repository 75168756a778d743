package config

import (
	"testing"
)

func TestResolveHostForDocker_NotInDocker(t *testing.T) {
	// These hosts should never be modified regardless of Docker status
	tests := []struct {
		input    string
		expected string
	}{
		{"mydb.example.com", "mydb.example.com"},
		{"192.168.1.100", "192.168.1.100"},
		{"host.docker.internal", "host.docker.internal"},
	}

	for _, tt := range tests {
		result := ResolveHostForDocker(tt.input)
		if result != tt.expected {
			t.Errorf("ResolveHostForDocker(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestResolveHostForDocker_LocalhostVariants(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		result := ResolveHostForDocker(host)
		if IsRunningInDocker() {
			if result != "host.docker.internal" {
				t.Errorf("ResolveHostForDocker(%q) in Docker = %q, want %q", host, result, "host.docker.internal")
			}
		} else if result != host {
			t.Errorf("ResolveHostForDocker(%q) not in Docker = %q, want %q", host, result, host)
		}
	}
}

func TestResolveURLForDocker(t *testing.T) {
	raw := "http://localhost:11434/v1"
	result := ResolveURLForDocker(raw)
	if IsRunningInDocker() {
		if result != "http://host.docker.internal:11434/v1" {
			t.Errorf("ResolveURLForDocker(%q) in Docker = %q", raw, result)
		}
	} else if result != raw {
		t.Errorf("ResolveURLForDocker(%q) not in Docker = %q, want unchanged", raw, result)
	}

	if got := ResolveURLForDocker("https://api.openai.com/v1"); got != "https://api.openai.com/v1" {
		t.Errorf("remote URL must be unchanged, got %q", got)
	}
	if got := ResolveURLForDocker(""); got != "" {
		t.Errorf("empty URL must stay empty, got %q", got)
	}
}
