package sql

import (
	"strings"
	"testing"
)

func TestCheckLiteralForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           string
		expectInjection bool
	}{
		// Ordinary filter values
		{name: "numeric id", value: "12345"},
		{name: "email address", value: "user@example.com"},
		{name: "date", value: "2024-01-15"},
		{name: "uuid", value: "550e8400-e29b-41d4-a716-446655440000"},
		{name: "search term", value: "laptop computers"},
		{name: "empty", value: ""},
		{name: "apostrophe in name", value: "O'Brien"},
		{name: "double dash in text", value: "This is a note -- with dashes"},
		{name: "keywords in prose", value: "SELECT the best option from the menu"},

		// Smuggled SQL
		{name: "classic quote", value: "' OR '1'='1", expectInjection: true},
		{name: "drop table", value: "'; DROP TABLE users--", expectInjection: true},
		{name: "union select", value: "1 UNION SELECT * FROM passwords", expectInjection: true},
		{name: "comment", value: "admin'--", expectInjection: true},
		{name: "or tautology", value: "' OR 1=1--", expectInjection: true},
		{name: "time-based blind", value: "1' AND SLEEP(5)--", expectInjection: true},
		{name: "stacked", value: "admin'; DELETE FROM logs; --", expectInjection: true},
		{name: "union null", value: "' UNION SELECT NULL, NULL--", expectInjection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckLiteralForInjection(tt.value)
			if !tt.expectInjection {
				if result != nil {
					t.Errorf("expected no detection for %q, got fingerprint %q", tt.value, result.Fingerprint)
				}
				return
			}
			if result == nil {
				t.Fatalf("expected injection detection for %q, got nil", tt.value)
			}
			if !result.IsSQLi || result.Fingerprint == "" {
				t.Errorf("expected IsSQLi with fingerprint, got %+v", result)
			}
			if result.Value != tt.value {
				t.Errorf("Value = %q, want %q", result.Value, tt.value)
			}
		})
	}
}

func TestInjectionCheckResult_WarningDoesNotEchoLiteral(t *testing.T) {
	result := CheckLiteralForInjection("'; DROP TABLE users--")
	if result == nil {
		t.Fatal("expected detection")
	}
	w := result.Warning()
	if strings.Contains(w, "DROP") {
		t.Errorf("warning should not echo the literal: %s", w)
	}
	if !strings.Contains(w, result.Fingerprint) {
		t.Errorf("warning should carry the fingerprint: %s", w)
	}
}
