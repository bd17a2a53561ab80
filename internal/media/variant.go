package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/disintegration/imaging"
)

// Generator produces the downscaled still-image variant submitted to the
// similarity service.
type Generator struct {
	config *Config
}

// NewGenerator creates a variant generator
func NewGenerator(cfg *Config) *Generator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	return &Generator{config: cfg}
}

// MakeVariant turns original media bytes into one JPEG still image.
// Static images are downscaled in-process; videos go through ffmpeg,
// which extracts a single representative frame. Unknown content types
// fail immediately rather than producing an empty variant.
func (g *Generator) MakeVariant(ctx context.Context, data []byte, contentType string) ([]byte, error) {
	switch KindFor(contentType) {
	case KindImage:
		return g.imageVariant(data)
	case KindVideo:
		return g.videoVariant(ctx, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
	}
}

// imageVariant downscales so neither dimension exceeds the bound,
// preserving aspect ratio, and re-encodes as JPEG. Animated inputs
// contribute their first frame.
func (g *Generator) imageVariant(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTranscode, err)
	}

	bound := g.config.ThumbnailSize
	size := img.Bounds().Size()
	if size.X > bound || size.Y > bound {
		img = imaging.Fit(img, bound, bound, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(g.config.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrTranscode, err)
	}

	return buf.Bytes(), nil
}

// videoVariant extracts one representative frame through ffmpeg
func (g *Generator) videoVariant(ctx context.Context, data []byte) ([]byte, error) {
	input, err := writeTempFile(data, "artvault-variant-in-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	defer os.Remove(input)

	output, err := writeTempFile(nil, "artvault-variant-out-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	defer os.Remove(output)

	cmd := exec.CommandContext(ctx, g.config.FFmpegPath,
		"-y",
		"-i", input,
		"-vf", videoFilter(g.config.ThumbnailSize),
		"-frames:v", "1",
		output,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v\n%s\n%s", ErrTranscode, err,
			strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()))
	}

	frame, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: read frame: %v", ErrTranscode, err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: ffmpeg produced an empty frame", ErrTranscode)
	}

	return frame, nil
}

// videoFilter picks a representative frame, fits it into the bounding box
// and pads both dimensions up to the nearest even integer. The even
// rounding is a codec constraint, not a cosmetic choice.
func videoFilter(bound int) string {
	return fmt.Sprintf(
		"thumbnail,scale=w=%d:h=%d:force_original_aspect_ratio=decrease,pad=width=ceil(iw/2)*2:height=ceil(ih/2)*2",
		bound, bound,
	)
}
