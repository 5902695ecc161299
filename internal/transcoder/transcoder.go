package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"imagecompressor/internal/models"
)

// maxPixels bounds width*height of a source. The header is checked before the
// full decode allocates the bitmap.
const maxPixels = 100_000_000

// TranscodeError reports that a source could not be decoded or re-encoded.
type TranscodeError struct {
	Source string
	Reason string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("transcode failed: %s", e.Reason)
	}
	return fmt.Sprintf("transcode %s failed: %s", e.Source, e.Reason)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// Service re-encodes images under a fixed profile. It holds no mutable state
// and is safe for concurrent use.
type Service struct {
	logger  *slog.Logger
	profile models.Profile
}

func NewService(logger *slog.Logger, profile models.Profile) *Service {
	def := models.DefaultProfile()
	if profile.MaxWidth <= 0 {
		profile.MaxWidth = def.MaxWidth
	}
	if profile.Quality < 0 || profile.Quality > 100 {
		profile.Quality = def.Quality
	}
	profile.Format = def.Format
	return &Service{logger: logger, profile: profile}
}

// Profile returns the effective target profile.
func (s *Service) Profile() models.Profile {
	return s.profile
}

// Transcode reads the image at path and returns it encoded as WebP.
func (s *Service) Transcode(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TranscodeError{Source: filepath.Base(path), Reason: "cannot read source", Err: err}
	}
	out, err := s.TranscodeBytes(ctx, data)
	if err != nil {
		var te *TranscodeError
		if errors.As(err, &te) {
			te.Source = filepath.Base(path)
		}
		return nil, err
	}
	return out, nil
}

// TranscodeBytes decodes data, downsizes it to the profile width and encodes lossy WebP.
func (s *Service) TranscodeBytes(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &TranscodeError{Reason: "empty source"}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &TranscodeError{Reason: "cannot decode image", Err: err}
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, &TranscodeError{Reason: "image too large", Err: fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &TranscodeError{Reason: "cannot decode image", Err: err}
	}

	fitted := fitWidth(img, s.profile.MaxWidth)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, fitted, &webp.Options{Quality: float32(s.profile.Quality)}); err != nil {
		return nil, &TranscodeError{Reason: "cannot encode webp", Err: err}
	}

	b := fitted.Bounds()
	s.logger.Debug("image transcoded", "width", b.Dx(), "height", b.Dy(), "in_bytes", len(data), "out_bytes", buf.Len())
	return buf.Bytes(), nil
}

// fitWidth shrinks img to maxWidth keeping the aspect ratio. Narrower images
// keep their size; the result is always NRGBA so every source color model
// reaches the encoder the same way.
func fitWidth(img image.Image, maxWidth int) *image.NRGBA {
	if img.Bounds().Dx() <= maxWidth {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
}

// Extension is the file extension of the output format, without the dot.
func Extension() string {
	return models.DefaultProfile().Format
}
