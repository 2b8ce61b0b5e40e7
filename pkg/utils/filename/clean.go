// Package filename turns server-supplied names into names that are safe to
// create on any major filesystem.
package filename

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxLen is the byte limit applied by Clean.
const MaxLen = 200

// invalidCharsRe matches characters not safe for filenames across all major OSes.
var invalidCharsRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)

var multiUnderscore = regexp.MustCompile(`_{2,}`)

var reserved = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Clean normalises name to NFC, drops any directory components, replaces
// characters that are invalid on Windows or POSIX with underscores and trims
// leading/trailing dots and whitespace. Spaces and the extension are kept.
// An empty string is returned when nothing usable remains.
func Clean(name string) string {
	s := norm.NFC.String(strings.TrimSpace(name))
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}

	s = invalidCharsRe.ReplaceAllString(s, "_")
	s = multiUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, " .")
	if s == "" || strings.Trim(s, "_") == "" {
		return ""
	}

	stem := strings.TrimSuffix(s, filepath.Ext(s))
	if _, ok := reserved[strings.ToUpper(stem)]; ok {
		s = "_" + s
	}

	return truncate(s, MaxLen)
}

// truncate shortens s to at most max bytes, keeping the extension and never
// splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	ext := filepath.Ext(s)
	if len(ext) > 16 {
		ext = ""
	}
	stem := s[:len(s)-len(ext)]
	keep := max - len(ext)
	for keep > 0 && !utf8.RuneStart(stem[keep]) {
		keep--
	}
	return strings.TrimRight(stem[:keep], " .") + ext
}

// HasExt reports whether name carries a plausible file extension.
func HasExt(name string) bool {
	ext := filepath.Ext(name)
	return len(ext) > 1 && len(ext) <= 6
}
