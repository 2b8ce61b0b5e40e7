package cobalt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		version, min string
		want         bool
	}{
		{"10.5.0", "", true},
		{"", "10.0", false},
		{"10.5.0", "10.5", true},
		{"10.4.9", "10.5", false},
		{"v11", "10.5.2", true},
		{"10.5.0-beta", "10.5.0", false},
		{"10.5.1-beta", "10.5.0", true},
		// numeric, not lexicographic: "10.0" < "9.0" as text
		{"10.0", "9.0", true},
		{"9.0", "10.0", false},
		// unparsable versions fall back to text comparison
		{"local", "10.0", true},
		{"dev", "main", false},
	}
	for _, tt := range tests {
		t.Run(tt.version+">="+tt.min, func(t *testing.T) {
			require.Equal(t, tt.want, VersionAtLeast(tt.version, tt.min))
		})
	}
}
