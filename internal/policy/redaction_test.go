package policy

import (
	"slices"
	"testing"
)

func TestRedactionApply(t *testing.T) {
	cases := []struct {
		name      string
		redaction Redaction
		in        string
		want      string
		kinds     []string
	}{
		{
			name:      "clean",
			redaction: MarkerRedaction,
			in:        "Nice weather today.",
			want:      "Nice weather today.",
		},
		{
			name:      "markers",
			redaction: MarkerRedaction,
			in:        "Write to sam@example.com or pay with 4242 4242 4242 4242.",
			want:      "Write to [REDACTED_EMAIL] or pay with [REDACTED_CARD].",
			kinds:     []string{"email", "card"},
		},
		{
			name:      "spoken phone",
			redaction: SpokenRedaction,
			in:        "Call +1 (555) 123-9876 tonight.",
			want:      "Call a phone number tonight.",
			kinds:     []string{"phone"},
		},
		{
			name:      "ip address",
			redaction: SpokenRedaction,
			in:        "The box is at 192.168.10.24.",
			want:      "The box is at an IP address.",
			kinds:     []string{"ip"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, kinds := tc.redaction.Apply(tc.in)
			if got != tc.want {
				t.Fatalf("Apply(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if !slices.Equal(kinds, tc.kinds) {
				t.Fatalf("Apply(%q) kinds = %v, want %v", tc.in, kinds, tc.kinds)
			}
		})
	}
}

func TestRedactPIIReportsChange(t *testing.T) {
	if _, changed := RedactPII("hello"); changed {
		t.Fatalf("RedactPII(clean) changed = true")
	}
	if out, changed := RedactPII("sam@example.com"); !changed || out != "[REDACTED_EMAIL]" {
		t.Fatalf("RedactPII(email) = %q, %v", out, changed)
	}
}
