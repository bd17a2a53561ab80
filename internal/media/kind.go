package media

import (
	"errors"
	"mime"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrUnsupportedMedia marks content types the archive refuses to store.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrAnalysisFailed marks bytes that could not be analyzed into a
	// concrete width/height/content-type triple.
	ErrAnalysisFailed = errors.New("failed to analyze media")
	// ErrTranscode marks a failed external transcode step. The wrapped
	// message carries the tool's diagnostic output.
	ErrTranscode = errors.New("failed to transcode media")
)

// Kind is the closed set of media families the pipeline understands.
// Each kind carries its own variant transform; anything outside the set
// is rejected at the boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage        // static image, downscaled in-process
	KindVideo        // motion video, single frame extracted via ffmpeg
)

var kindByContentType = map[string]Kind{
	"image/jpeg": KindImage,
	"image/png":  KindImage,
	"image/webp": KindImage,
	"image/gif":  KindImage,
	"video/mp4":  KindVideo,
	"video/webm": KindVideo,
}

// KindFor maps a content type onto its media kind
func KindFor(contentType string) Kind {
	return kindByContentType[contentType]
}

// CanIndex reports whether files of this content type are submitted to
// the similarity index. Only supported kinds produce a variant, so only
// they can be indexed.
func CanIndex(contentType string) bool {
	return KindFor(contentType) != KindUnknown
}

// DetectContentType sniffs the content type from the byte stream itself,
// independent of any filename hint.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// Ignored reports whether the detected type is on the configured ignore
// list. Sniffed types carry parameters (text/html arrives as
// "text/html; charset=utf-8"), so both sides are reduced to their bare
// media type before comparison. Sources are allowed to emit non-media
// payloads (HTML error pages, archives); those are skipped by the
// caller, not treated as failures.
func Ignored(contentType string, ignoreList []string) bool {
	base := baseMediaType(contentType)
	for _, ignored := range ignoreList {
		if base == baseMediaType(ignored) {
			return true
		}
	}
	return false
}

func baseMediaType(contentType string) string {
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return parsed
}
