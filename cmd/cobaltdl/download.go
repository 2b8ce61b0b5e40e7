package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"thirdcoast.systems/cobaltdl/pkg/cobalt"
	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

const progressThrottle = 100 * time.Millisecond

var errSomeFailed = errors.New("some downloads failed")

type downloadFlags struct {
	folder        string
	filename      string
	quality       string
	audioFormat   string
	audioBitrate  string
	filenameStyle string
	mode          string
	codec         string
	params        []string
	remux         bool
	keepOriginal  bool
	sequential    bool
	noProgress    bool
}

func newDownloadCmd(c *cli) *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download URL...",
		Short: "Download media from one or more links",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := f.toParams()
			if err != nil {
				return err
			}
			var fanOut cobalt.FanOut
			if f.sequential {
				fanOut = cobalt.FanOutSequential
			}
			a, err := c.build(cmd.Context(), fanOut)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := c.cfg.DownloadOptions()
			if f.folder != "" {
				opts.Folder = f.folder
			}
			opts.Filename = f.filename
			opts.Remux = opts.Remux || f.remux
			opts.KeepOriginal = opts.KeepOriginal || f.keepOriginal
			if !f.noProgress {
				bars := newBarSink(cmd.ErrOrStderr())
				opts.OnStatus = bars.status
				opts.OnDone = bars.done
			}

			seq, err := a.client.Download(cmd.Context(), args, params, opts)
			if err != nil {
				return err
			}
			failed := 0
			for res := range seq {
				switch {
				case res.Err != nil:
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", res.URL, res.Err)
				case res.Warning != nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Path)
					fmt.Fprintf(cmd.ErrOrStderr(), "! %s: %v\n", res.URL, res.Warning)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Path)
				}
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errSomeFailed, failed, len(args))
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.folder, "folder", "f", "", "destination folder (default from config)")
	fl.StringVar(&f.filename, "filename", "", "output file name (single URL only)")
	fl.StringVarP(&f.quality, "quality", "q", "", "video quality, e.g. 1080 or max")
	fl.StringVar(&f.audioFormat, "audio-format", "", "audio format: best, mp3, ogg, wav, opus")
	fl.StringVar(&f.audioBitrate, "audio-bitrate", "", "audio bitrate in kbps")
	fl.StringVar(&f.filenameStyle, "filename-style", "", "classic, pretty, basic or nerdy")
	fl.StringVarP(&f.mode, "mode", "m", "", "download mode: auto, audio or mute")
	fl.StringVar(&f.codec, "codec", "", "youtube video codec: h264, av1 or vp9")
	fl.StringArrayVarP(&f.params, "param", "p", nil, "extra instance parameter as key=value (repeatable)")
	fl.BoolVar(&f.remux, "remux", false, "remux the result with ffmpeg")
	fl.BoolVar(&f.keepOriginal, "keep-original", false, "keep the file before remuxing")
	fl.BoolVar(&f.sequential, "sequential", false, "ask instances one at a time instead of racing them")
	fl.BoolVar(&f.noProgress, "no-progress", false, "hide progress bars")
	return cmd
}

func (f *downloadFlags) toParams() (cobalt.Params, error) {
	p := cobalt.Params{}
	set := func(key, value string) {
		if value != "" {
			p[key] = value
		}
	}
	set(cobalt.ParamVideoQuality, f.quality)
	set(cobalt.ParamAudioFormat, f.audioFormat)
	set(cobalt.ParamAudioBitrate, f.audioBitrate)
	set(cobalt.ParamFilenameStyle, f.filenameStyle)
	set(cobalt.ParamDownloadMode, f.mode)
	set(cobalt.ParamYoutubeVideoCodec, f.codec)

	for _, kv := range f.params {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		p[key] = parseScalar(value)
	}
	return p, nil
}

// parseScalar keeps booleans and numbers typed so instances accept them.
func parseScalar(s string) any {
	switch {
	case strings.EqualFold(s, "true"):
		return true
	case strings.EqualFold(s, "false"):
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(n, 10) == s {
		return n
	}
	return s
}

// barSink renders one progress bar per download session.
type barSink struct {
	out     io.Writer
	session uuid.UUID
	bar     *progressbar.ProgressBar
}

func newBarSink(out io.Writer) *barSink {
	return &barSink{out: out}
}

func (b *barSink) status(p httpclient.Progress) {
	if b.bar == nil || b.session != p.SessionID {
		b.session = p.SessionID
		b.bar = progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetDescription(p.Filename),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowTotalBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(progressThrottle),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(b.out) }),
		)
	}
	_ = b.bar.Set64(p.Downloaded)
}

func (b *barSink) done(p httpclient.Progress) {
	if b.bar != nil && b.session == p.SessionID {
		_ = b.bar.Finish()
	}
	fmt.Fprintf(b.out, "%s: %s in %s (%s/s)\n", p.Filename, humanize.Bytes(uint64(p.Downloaded)),
		p.Elapsed.Round(progressThrottle), humanize.Bytes(uint64(p.Speed)))
	b.bar = nil
}
