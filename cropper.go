package main

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionCropper runs crop operations through a headless crop session: the
// same owner loop, surface and controller the web client drives, with the
// rectangle placed from the operation instead of by pointer.
type SessionCropper struct {
	BaseDir   string
	OutputDir string
	Timeout   time.Duration
}

func NewSessionCropper(baseDir, outputDir string) *SessionCropper {
	return &SessionCropper{
		BaseDir:   baseDir,
		OutputDir: outputDir,
	}
}

// Crop implements the Cropper interface. It returns the reference of the
// written file.
func (c *SessionCropper) Crop(ctx context.Context, op CropOperation) (string, error) {
	opts, err := op.Options()
	if err != nil {
		return "", err
	}

	output := filepath.Join(c.OutputDir, op.OutputName())
	s, err := NewSession(ctx, SessionConfig{
		BaseDir: c.BaseDir,
		File:    op.Filename,
		Output:  output,
		Timeout: c.Timeout,
		Options: opts,
	})
	if err != nil {
		return "", err
	}
	defer s.Close()

	if err := s.SetCrop(ctx, op.Crop); err != nil {
		return "", err
	}

	res, err := s.Save(ctx)
	if err != nil {
		return "", err
	}
	if !res.Saved {
		return "", errors.New(res.Error)
	}
	log.Ctx(ctx).Debug().Str("filename", op.Filename).Str("output", res.Output).Msg("cropped")
	return res.Output, nil
}
