package cobalt

import (
	"fmt"
	"maps"
)

// Params are the request options sent to an instance next to the media URL,
// e.g. videoQuality, audioFormat, downloadMode, filenameStyle.
type Params map[string]any

// Common option keys understood by instances.
const (
	ParamVideoQuality      = "videoQuality"
	ParamAudioFormat       = "audioFormat"
	ParamAudioBitrate      = "audioBitrate"
	ParamFilenameStyle     = "filenameStyle"
	ParamDownloadMode      = "downloadMode"
	ParamYoutubeVideoCodec = "youtubeVideoCodec"
	ParamYoutubeDubLang    = "youtubeDubLang"
	ParamAlwaysProxy       = "alwaysProxy"
	ParamDisableMetadata   = "disableMetadata"
	ParamTiktokFullAudio   = "tiktokFullAudio"
	ParamTiktokH265        = "tiktokH265"
	ParamTwitterGif        = "twitterGif"
	ParamYoutubeHLS        = "youtubeHLS"
)

// Validate rejects values that cannot be sent as JSON scalars.
func (p Params) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64, nil:
		default:
			return fmt.Errorf("cobalt: param %q has unsupported type %T", k, v)
		}
	}
	return nil
}

// body builds the JSON request body. The media URL always wins over a
// "url" entry in p.
func (p Params) body(mediaURL string) map[string]any {
	out := make(map[string]any, len(p)+1)
	maps.Copy(out, p)
	for k, v := range out {
		if v == nil {
			delete(out, k)
		}
	}
	out["url"] = mediaURL
	return out
}

// tunnelResponse is the instance's JSON answer.
type tunnelResponse struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Error    *struct {
		Code    string         `json:"code"`
		Context map[string]any `json:"context"`
	} `json:"error"`
	Picker []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Thumb string `json:"thumb"`
	} `json:"picker"`
}
