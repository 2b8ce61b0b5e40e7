// Package ffmpeg builds and runs ffmpeg invocations used to post-process
// downloaded media.
package ffmpeg

import (
	"path/filepath"
	"strings"
)

// Command represents an ffmpeg command being built.
type Command struct {
	input     string
	output    string
	preInput  []string // args before -i
	postInput []string // args after -i
}

// Option modifies a Command. Options are composable and order-independent
// (ffmpeg receives args in the right order regardless of option order).
type Option interface {
	Apply(cmd *Command)
}

// OptionFunc is a function that implements Option.
type OptionFunc func(cmd *Command)

// Apply implements Option.
func (f OptionFunc) Apply(cmd *Command) { f(cmd) }

// NewCommand creates a command with input/output and applies options.
func NewCommand(input, output string, opts ...Option) *Command {
	cmd := &Command{
		input:  input,
		output: output,
	}
	for _, opt := range opts {
		opt.Apply(cmd)
	}
	return cmd
}

// Output returns the output path.
func (c *Command) Output() string { return c.output }

// Build returns the complete ffmpeg argument list.
func (c *Command) Build() []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	args = append(args, c.preInput...)
	args = append(args, "-i", c.input)
	args = append(args, c.postInput...)

	// faststart moves the index to the front of MP4-family outputs
	switch strings.ToLower(filepath.Ext(c.output)) {
	case ".mp4", ".m4a", ".mov":
		args = append(args, "-movflags", "+faststart")
	}

	return append(args, c.output)
}

// CopyAll copies all streams without re-encoding (-c copy).
var CopyAll Option = OptionFunc(func(cmd *Command) {
	cmd.postInput = append(cmd.postInput, "-c", "copy")
})

// MapAll maps all streams from input (-map 0).
var MapAll Option = OptionFunc(func(cmd *Command) {
	cmd.postInput = append(cmd.postInput, "-map", "0")
})

// NoData drops data streams (-dn), which most containers reject on copy.
var NoData Option = OptionFunc(func(cmd *Command) {
	cmd.postInput = append(cmd.postInput, "-dn")
})

// LogLevel sets the logging level.
func LogLevel(level string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append([]string{"-loglevel", level}, cmd.preInput...)
	})
}
