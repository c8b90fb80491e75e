package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"national 8 prefix", "8 701 234 56 78", "77012345678", true},
		{"whatsapp jid", "77012345678@s.whatsapp.net", "77012345678", true},
		{"c.us jid", "77012345678@c.us", "77012345678", true},
		{"plus and dashes", "+7 (701) 234-56-78", "77012345678", true},
		{"already international", "77012345678", "77012345678", true},
		{"eight but not 11 digits", "8701234567", "8701234567", true},
		{"empty", "", "", false},
		{"whitespace", "   ", "", false},
		{"no digits", "@johndoe", "", false},
		{"suffix only", "@s.whatsapp.net", "", false},
		{"too short", "1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Normalize(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	first, ok := Normalize("8 (701) 234 56 78")
	assert.True(t, ok)
	second, ok := Normalize(first)
	assert.True(t, ok)
	assert.Equal(t, first, second)
}

func TestE164(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "+77012345678", E164("77012345678"))
	assert.Equal(t, "", E164(""))
}

func TestMask(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "*******5678", Mask("77012345678"))
	assert.Equal(t, "123", Mask("123"))
}
