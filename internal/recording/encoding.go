package recording

import (
	"strings"

	"github.com/petervdpas/roomcall/internal/media"
)

// Preferred is the default encoding order, best first.
var Preferred = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm",
	"audio/webm",
}

// Supported reports whether the muxer can carry every track under mime.
// A codecs parameter restricts the accepted track codecs; audio/webm
// accepts audio tracks only.
func Supported(mime string, tracks []media.Track) bool {
	base, params, _ := strings.Cut(strings.ToLower(strings.ReplaceAll(mime, " ", "")), ";")
	if base != "video/webm" && base != "audio/webm" {
		return false
	}
	var allowed map[string]bool
	if codecs, ok := strings.CutPrefix(params, "codecs="); ok {
		allowed = make(map[string]bool)
		for _, c := range strings.Split(strings.Trim(codecs, `"`), ",") {
			allowed[c] = true
		}
	}
	for _, t := range tracks {
		if base == "audio/webm" && t.Kind() != media.KindAudio {
			return false
		}
		if _, ok := codecID(t.Codec()); !ok {
			return false
		}
		if allowed == nil {
			continue
		}
		_, name, _ := strings.Cut(strings.ToLower(t.Codec()), "/")
		if !allowed[name] {
			return false
		}
	}
	return true
}

// choose picks the first supported encoding, trying preferred before the
// list. It returns "" when nothing fits.
func choose(preferred string, list []string, tracks []media.Track, supported func(string, []media.Track) bool) string {
	if preferred != "" {
		if supported(preferred, tracks) {
			return preferred
		}
		log.Warnf("preferred encoding %s not supported, falling back", preferred)
	}
	for _, mime := range list {
		if supported(mime, tracks) {
			return mime
		}
	}
	return ""
}
