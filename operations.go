package main

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"cropkit/crop"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

type Operations = []Operation

type Operation struct {
	Crop *CropOperation
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var op struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("failed to unmarshal operation: %w", err)
	}

	switch op.Type {
	case "crop":
		var c CropOperation
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to unmarshal crop operation: %w", err)
		}
		o.Crop = &c
	default:
		return fmt.Errorf("unknown operation %q", op.Type)
	}
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Crop == nil {
		return nil, errors.New("empty operation")
	}
	type cropOp CropOperation
	return json.Marshal(struct {
		Type string `json:"type"`
		cropOp
	}{"crop", cropOp(*o.Crop)})
}

type Crop struct {
	// X is the x-coordinate of the top-left corner of the crop rectangle, relative to the image width (0.0 to 1.0).
	X float64 `json:"x"`
	// Y is the y-coordinate of the top-left corner of the crop rectangle, relative to the image height (0.0 to 1.0).
	Y float64 `json:"y"`
	// Width is the width of the crop rectangle, relative to the image width (0.0 to 1.0).
	Width float64 `json:"w"`
	// Height is the height of the crop rectangle, relative to the image height (0.0 to 1.0).
	Height float64 `json:"h"`
}

func (c Crop) String() string {
	return fmt.Sprintf("crop(x=%.2f,y=%.2f,w=%.2f,h=%.2f)", c.X, c.Y, c.Width, c.Height)
}

func (c Crop) ID() string {
	m := md5.New()
	_, err := m.Write([]byte(c.String()))
	if err != nil {
		log.Error().Err(err).Msg("failed to hash crop string")
		return ""
	}
	return fmt.Sprintf("%x", m.Sum(nil))
}

func (c Crop) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid crop dimensions: width=%.2f, height=%.2f", c.Width, c.Height)
	}
	if c.X < 0 || c.Y < 0 || c.X+c.Width > 1 || c.Y+c.Height > 1 {
		return fmt.Errorf("%s is outside of the image", c)
	}
	return nil
}

// Rect scales the relative crop to an image of the given size.
func (c Crop) Rect(width, height int) crop.Rect {
	w, h := float64(width), float64(height)
	return crop.Rect{
		Left:   c.X * w,
		Top:    c.Y * h,
		Right:  (c.X + c.Width) * w,
		Bottom: (c.Y + c.Height) * h,
	}
}

type CropOperation struct {
	Filename  string `json:"filename"`
	Crop      Crop   `json:"crop"`
	AspectX   int    `json:"aspect_x,omitempty"`
	AspectY   int    `json:"aspect_y,omitempty"`
	MaxWidth  int    `json:"max_width,omitempty"`
	MaxHeight int    `json:"max_height,omitempty"`
	Format    string `json:"format,omitempty"`
	Quality   int    `json:"quality,omitempty"`
}

func (op CropOperation) format() (imaging.Format, error) {
	if op.Format == "" {
		return imaging.JPEG, nil
	}
	return imaging.FormatFromExtension(op.Format)
}

// Options translates the operation into session options.
func (op CropOperation) Options() ([]crop.Option, error) {
	format, err := op.format()
	if err != nil {
		return nil, err
	}
	quality := op.Quality
	if quality == 0 {
		quality = crop.FullQuality
	}
	opts := []crop.Option{crop.WithCompression(format, quality)}
	if op.AspectX != 0 || op.AspectY != 0 {
		opts = append(opts, crop.WithAspectRatio(op.AspectX, op.AspectY))
	}
	if op.MaxWidth != 0 || op.MaxHeight != 0 {
		opts = append(opts, crop.WithMaxSize(op.MaxWidth, op.MaxHeight))
	}
	return opts, nil
}

// OutputName derives a stable output file name from the source and crop.
func (op CropOperation) OutputName() string {
	return outputName(op.Filename, op.ext(), op.Crop.ID())
}

func (op CropOperation) ext() string {
	if format, err := op.format(); err == nil && format != imaging.JPEG {
		return strings.ToLower(format.String())
	}
	return "jpg"
}

func outputName(filename, ext, id string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s-%s.%s", base, id, ext)
}

// ReadOperations parses one operation per line. Blank lines are skipped.
func ReadOperations(r io.Reader) (Operations, error) {
	var ops Operations
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var op Operation
		if err := json.Unmarshal([]byte(text), &op); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

type Cropper interface {
	Crop(ctx context.Context, op CropOperation) (string, error)
}

type Result struct {
	Filename string `json:"filename"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

type OperationExecutor struct {
	OutputDir   string
	Cropper     Cropper
	Concurrency int
}

func (r OperationExecutor) Exec(ctx context.Context, ops []Operation) ([]Result, error) {
	if len(ops) == 0 {
		log.Ctx(ctx).Warn().Msg("no operations to execute")
		return nil, nil
	}

	workers := r.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pooler := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(workers)

	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", r.OutputDir, err)
	}

	var mu sync.Mutex
	results := make([]Result, len(ops))
	for i, op := range ops {
		pooler.Go(func(ctx context.Context) error {
			res, err := r.executeOperation(ctx, op)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if err != nil {
				log.Ctx(ctx).Error().Err(err).
					Interface("op", op).
					Msg("failed to execute operation")
				return err
			}
			return nil
		})
	}

	if err := pooler.Wait(); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Msg("finished with errors")
		return results, err
	}

	return results, nil
}

func (r OperationExecutor) executeOperation(ctx context.Context, op Operation) (Result, error) {
	if op.Crop == nil {
		return Result{}, errors.New("empty operation")
	}
	res := Result{Filename: op.Crop.Filename}
	output, err := r.executeCrop(ctx, *op.Crop)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Output = output
	return res, nil
}

func (r OperationExecutor) executeCrop(ctx context.Context, op CropOperation) (string, error) {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Stringer("crop", op.Crop).Msg("cropping")
	if err := op.Crop.Validate(); err != nil {
		return "", err
	}
	output, err := r.Cropper.Crop(ctx, op)
	if err != nil {
		return "", fmt.Errorf("failed to crop %s: %w", op.Filename, err)
	}
	return output, nil
}
