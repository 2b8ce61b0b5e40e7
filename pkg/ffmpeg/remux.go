package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// RemuxPrefix is prepended to the file name of remuxed outputs.
const RemuxPrefix = "remuxed_"

// Remuxer copies downloaded media into a fresh container without
// re-encoding, which fixes broken indexes and timestamps some instances
// produce.
type Remuxer struct {
	runner *Runner
	fs     afero.Fs
	log    *slog.Logger
}

// NewRemuxer returns a Remuxer. A nil runner uses NewRunner, a nil fs the OS
// filesystem.
func NewRemuxer(runner *Runner, fs afero.Fs, logger *slog.Logger) *Remuxer {
	if runner == nil {
		runner = NewRunner()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remuxer{runner: runner, fs: fs, log: logger.With(slog.String("item", "Remuxer"))}
}

// Remux writes remuxed_<name> next to path. With keepOriginal the new file
// is returned as is; otherwise it replaces path. On failure the partial
// output is removed and path is left untouched.
func (r *Remuxer) Remux(ctx context.Context, path string, keepOriginal bool) (string, error) {
	dir, name := filepath.Split(path)
	cmd := NewCommand(path, filepath.Join(dir, RemuxPrefix+name), LogLevel("error"), MapAll, NoData, CopyAll)
	out := cmd.Output()
	r.log.Debug("remuxing", "input", path, "output", out)
	if err := r.runner.Run(ctx, cmd); err != nil {
		if rmErr := r.fs.Remove(out); rmErr != nil && !os.IsNotExist(rmErr) {
			r.log.Warn("failed to remove partial remux output", "path", out, "error", rmErr)
		}
		return "", err
	}

	if keepOriginal {
		return out, nil
	}
	if err := r.fs.Rename(out, path); err != nil {
		return "", fmt.Errorf("replace %s with remuxed file: %w", path, err)
	}
	return path, nil
}
