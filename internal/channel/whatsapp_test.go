package channel

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestParseWhatsAppJID(t *testing.T) {
	tests := []struct {
		raw     string
		want    types.JID
		wantErr bool
	}{
		{"15551234567", types.NewJID("15551234567", types.DefaultUserServer), false},
		{"+15551234567", types.NewJID("15551234567", types.DefaultUserServer), false},
		{" 15551234567 ", types.NewJID("15551234567", types.DefaultUserServer), false},
		{"15551234567@s.whatsapp.net", types.NewJID("15551234567", types.DefaultUserServer), false},
		{"12345-67890@g.us", types.NewJID("12345-67890", types.GroupServer), false},
		{"", types.EmptyJID, true},
	}

	for _, tt := range tests {
		got, err := parseWhatsAppJID(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseWhatsAppJID(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseWhatsAppJID(%q) error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseWhatsAppJID(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
