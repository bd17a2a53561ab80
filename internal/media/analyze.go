package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/tidwall/gjson"
	_ "golang.org/x/image/webp"
)

// Analysis is the result of inspecting a raw byte stream
type Analysis struct {
	ContentType string
	Width       int
	Height      int
	Size        int64
}

// Analyzer inspects raw media bytes
type Analyzer struct {
	config *Config
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(cfg *Config) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	return &Analyzer{config: cfg}
}

// Analyze derives content type, dimensions and size from the bytes alone.
// Bytes that resolve to no supported kind fail with ErrAnalysisFailed so
// the caller can purge whatever it already stored.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	contentType := DetectContentType(data)

	switch KindFor(contentType) {
	case KindImage:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAnalysisFailed, contentType, err)
		}
		return &Analysis{
			ContentType: contentType,
			Width:       cfg.Width,
			Height:      cfg.Height,
			Size:        int64(len(data)),
		}, nil

	case KindVideo:
		width, height, err := a.probeVideo(ctx, data)
		if err != nil {
			return nil, err
		}
		return &Analysis{
			ContentType: contentType,
			Width:       width,
			Height:      height,
			Size:        int64(len(data)),
		}, nil

	default:
		return nil, fmt.Errorf("%w: indeterminate content type %s", ErrAnalysisFailed, contentType)
	}
}

// probeVideo reads the first video stream's dimensions via ffprobe
func (a *Analyzer) probeVideo(ctx context.Context, data []byte) (int, int, error) {
	input, err := writeTempFile(data, "artvault-probe-*")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	defer os.Remove(input)

	cmd := exec.CommandContext(ctx, a.config.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		input,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, 0, fmt.Errorf("%w: ffprobe: %v: %s", ErrAnalysisFailed, err, strings.TrimSpace(stderr.String()))
	}

	stream := gjson.GetBytes(stdout.Bytes(), "streams.0")
	if !stream.Exists() {
		return 0, 0, fmt.Errorf("%w: ffprobe found no video stream", ErrAnalysisFailed)
	}

	width := int(stream.Get("width").Int())
	height := int(stream.Get("height").Int())
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: ffprobe reported %dx%d", ErrAnalysisFailed, width, height)
	}

	return width, height, nil
}

func writeTempFile(data []byte, pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}
