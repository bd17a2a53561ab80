package media

// Config holds the media pipeline configuration
type Config struct {
	// ThumbnailSize bounds both variant dimensions; aspect ratio is kept.
	ThumbnailSize int `mapstructure:"thumbnailsize"`
	// JPEGQuality is the re-encode quality factor for variants.
	JPEGQuality int `mapstructure:"jpegquality"`
	// IgnoreTypes are content types silently skipped at ingest.
	IgnoreTypes []string `mapstructure:"ignoretypes"`
	// FFmpegPath and FFprobePath locate the external video tooling.
	FFmpegPath  string `mapstructure:"ffmpegpath"`
	FFprobePath string `mapstructure:"ffprobepath"`
}

// DefaultConfig returns the default media configuration
func DefaultConfig() *Config {
	return &Config{
		ThumbnailSize: 150,
		JPEGQuality:   90,
		IgnoreTypes: []string{
			"text/html",
			"text/plain",
			"application/zip",
			"application/pdf",
			"application/x-shockwave-flash",
		},
		FFmpegPath:  "/usr/bin/ffmpeg",
		FFprobePath: "/usr/bin/ffprobe",
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = def.ThumbnailSize
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.IgnoreTypes == nil {
		c.IgnoreTypes = def.IgnoreTypes
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
}
