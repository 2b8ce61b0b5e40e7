package filename

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "video.mp4", "video.mp4"},
		{"keeps spaces", "My Clip (1080p).mp4", "My Clip (1080p).mp4"},
		{"invalid chars", `a<b>c:d"e|f?g*.webm`, "a_b_c_d_e_f_g_.webm"},
		{"strips directories", "../../etc/passwd", "passwd"},
		{"windows separators", `C:\tmp\clip.mp3`, "clip.mp3"},
		{"trims dots", "...hidden.mp4..", "hidden.mp4"},
		{"reserved name", "CON.txt", "_CON.txt"},
		{"empty", "   ", ""},
		{"only junk", "???", ""},
		{"nfc", "cafe\u0301.mp3", "caf\u00e9.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestClean_TruncatesKeepingExtension(t *testing.T) {
	long := strings.Repeat("é", 150) + ".mp4"
	got := Clean(long)
	require.LessOrEqual(t, len(got), MaxLen)
	require.True(t, strings.HasSuffix(got, ".mp4"))
	require.True(t, strings.HasPrefix(got, "é"))
}

func TestHasExt(t *testing.T) {
	require.True(t, HasExt("a.mp4"))
	require.False(t, HasExt("download"))
	require.False(t, HasExt("archive.thisisnotanext"))
}
