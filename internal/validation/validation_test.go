package validation

import (
	"strings"
	"testing"
)

func TestIsValidIP(t *testing.T) {
	tests := []struct {
		ip    string
		valid bool
	}{
		{"203.0.113.7", true},
		{"2001:db8::1", true},
		{"256.1.1.1", false},
		{"not-an-ip", false},
		{"", false},
		{"203.0.113.7:8080", false},
	}

	for _, tt := range tests {
		if got := IsValidIP(tt.ip); got != tt.valid {
			t.Errorf("IsValidIP(%q) = %v, want %v", tt.ip, got, tt.valid)
		}
	}
}

func TestIsValidCampaignID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"summer-sale-2026", true},
		{"c1", true},
		{"camp_01.b", true},
		{"", false},
		{"has spaces", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		if got := IsValidCampaignID(tt.id); got != tt.valid {
			t.Errorf("IsValidCampaignID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"toolong", 4, "tool"},
		{"null\x00byte", 100, "nullbyte"},
	}

	for _, tt := range tests {
		if got := SanitizeString(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("ip", ""),
		ValidIP("ip", ""),
		ValidCampaign("campaign_id", "ok-campaign"),
	)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "ip" {
		t.Errorf("error field = %q, want %q", errs[0].Field, "ip")
	}

	errs = Validate(
		Required("ip", "203.0.113.7"),
		ValidIP("ip", "203.0.113.7"),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("user_agent", strings.Repeat("x", 10), 5)(); err == nil {
		t.Error("expected error for over-length value")
	}
	if err := MaxLength("user_agent", "short", 5)(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
