package ffmpeg

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCommandBuild(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		output   string
		opts     []Option
		wantArgs []string
	}{
		{
			name:   "simple copy",
			input:  "input.mkv",
			output: "output.mp4",
			opts:   []Option{CopyAll},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-i", "input.mkv",
				"-c", "copy",
				"-movflags", "+faststart",
				"output.mp4",
			},
		},
		{
			name:   "remux webm keeps container flags out",
			input:  "in.webm",
			output: "remuxed_in.webm",
			opts:   []Option{LogLevel("error"), MapAll, NoData, CopyAll},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-loglevel", "error",
				"-i", "in.webm",
				"-map", "0", "-dn", "-c", "copy",
				"remuxed_in.webm",
			},
		},
		{
			name:   "upper-case extension still gets faststart",
			input:  "a.m4a",
			output: "b.M4A",
			opts:   []Option{CopyAll},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-i", "a.m4a",
				"-c", "copy",
				"-movflags", "+faststart",
				"b.M4A",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCommand(tt.input, tt.output, tt.opts...)
			require.Equal(t, tt.wantArgs, cmd.Build())
			require.Equal(t, tt.output, cmd.Output())
		})
	}
}

func TestRunner_WrapsError(t *testing.T) {
	r := NewRunner()
	r.execFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "ffmpeg", name)
		return []byte("line1\nline2\nline3\nInvalid data found when processing input\n"), errors.New("exit status 1")
	}

	err := r.Run(context.Background(), NewCommand("in.mp4", "out.mp4", CopyAll))
	var fe *Error
	require.True(t, errors.As(err, &fe))
	require.Contains(t, err.Error(), "Invalid data found")
	require.NotContains(t, err.Error(), "line1")
	require.Equal(t, -1, fe.ExitCode())
	require.Contains(t, fe.Command(), "ffmpeg -hide_banner")
}

func fakeFFmpeg(fs afero.Fs, fail bool) func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		out := args[len(args)-1]
		// write partial output either way, like a real ffmpeg would
		if err := afero.WriteFile(fs, out, []byte("remuxed"), 0o644); err != nil {
			return nil, err
		}
		if fail {
			return []byte("moov atom not found"), &exec.ExitError{}
		}
		return nil, nil
	}
}

func TestRemuxer(t *testing.T) {
	t.Run("keep original", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/dl/clip.mp4", []byte("original"), 0o644))
		runner := &Runner{execFn: fakeFFmpeg(fs, false)}

		out, err := NewRemuxer(runner, fs, nil).Remux(context.Background(), "/dl/clip.mp4", true)
		require.NoError(t, err)
		require.Equal(t, "/dl/remuxed_clip.mp4", out)

		orig, _ := afero.ReadFile(fs, "/dl/clip.mp4")
		require.Equal(t, "original", string(orig))
	})

	t.Run("replace original", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/dl/clip.mp4", []byte("original"), 0o644))
		runner := &Runner{execFn: fakeFFmpeg(fs, false)}

		out, err := NewRemuxer(runner, fs, nil).Remux(context.Background(), "/dl/clip.mp4", false)
		require.NoError(t, err)
		require.Equal(t, "/dl/clip.mp4", out)

		data, _ := afero.ReadFile(fs, out)
		require.Equal(t, "remuxed", string(data))
		exists, _ := afero.Exists(fs, "/dl/remuxed_clip.mp4")
		require.False(t, exists)
	})

	t.Run("failure leaves original", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/dl/clip.mp4", []byte("original"), 0o644))
		runner := &Runner{execFn: fakeFFmpeg(fs, true)}

		_, err := NewRemuxer(runner, fs, nil).Remux(context.Background(), "/dl/clip.mp4", false)
		require.Error(t, err)
		require.Contains(t, err.Error(), "moov atom not found")

		orig, _ := afero.ReadFile(fs, "/dl/clip.mp4")
		require.Equal(t, "original", string(orig))
		exists, _ := afero.Exists(fs, "/dl/remuxed_clip.mp4")
		require.False(t, exists)
	})
}
