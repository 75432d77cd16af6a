package pipeline

import (
	"slices"
	"sort"
)

// DefaultAudioExts is the container preference, best first.
var DefaultAudioExts = []string{"webm", "m4a"}

// FallbackFormat lets the downloader pick when no listed format qualifies.
const FallbackFormat = "bestaudio"

// SelectAudioFormat picks the audio-only format whose extension ranks best in
// prefs, breaking ties on bitrate.
func SelectAudioFormat(formats []Format, prefs []string) string {
	if len(prefs) == 0 {
		prefs = DefaultAudioExts
	}

	var candidates []Format
	for _, f := range formats {
		if f.VCodec != "none" || f.ACodec == "none" || f.FormatID == "" {
			continue
		}
		if slices.Contains(prefs, f.Ext) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return FallbackFormat
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := slices.Index(prefs, candidates[i].Ext), slices.Index(prefs, candidates[j].Ext)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].ABR > candidates[j].ABR
	})
	return candidates[0].FormatID
}
