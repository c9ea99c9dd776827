package main

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cropkit/crop"

	"github.com/rs/zerolog/log"
)

type ImageInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type FileInfo struct {
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
	Image      ImageInfo `json:"image"`
	Format     string    `json:"format,omitempty"`
	Rotation   int       `json:"rotation"`
}

type Directory struct {
	Name  string     `json:"name"`
	Files []FileInfo `json:"files"`
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".zst" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(name, filepath.Ext(name))))
	}
	return slices.Contains(imageExtensions, ext)
}

func walkImages(ctx context.Context, rootPath string, skipDirs ...string) (Directory, error) {
	var files []FileInfo

	if err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != rootPath && slices.Contains(skipDirs, filepath.Clean(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isImageFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info: %w", err)
		}

		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}

		files = append(files, FileInfo{
			Name:       filepath.ToSlash(relPath),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	}); err != nil {
		return Directory{}, err
	}

	resolver := crop.FileResolver{BaseDir: rootPath}
	exif := crop.DefaultExifReader()
	for i := range files {
		cfg, format, rotation, err := readImageInfo(resolver, exif, files[i].Name)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("filename", files[i].Name).Msg("cannot read image dimensions")
			continue
		}
		files[i].Image = ImageInfo{
			Width:  cfg.Width,
			Height: cfg.Height,
		}
		files[i].Format = format
		files[i].Rotation = rotation
	}

	return Directory{
		Name:  filepath.Base(rootPath),
		Files: files,
	}, nil
}

// readImageInfo reads the header of ref and its EXIF rotation. The rotation
// needs a second pass since the header decode consumes the stream.
func readImageInfo(resolver crop.Resolver, exif crop.ExifReader, ref string) (image.Config, string, int, error) {
	r, err := resolver.Open(ref)
	if err != nil {
		return image.Config{}, "", 0, err
	}
	cfg, format, err := image.DecodeConfig(r)
	r.Close()
	if err != nil {
		return image.Config{}, "", 0, fmt.Errorf("failed to decode image header: %w", err)
	}

	rotation := 0
	if format == "jpeg" || format == "tiff" {
		r, err := resolver.Open(ref)
		if err != nil {
			return image.Config{}, "", 0, err
		}
		rotation = exif.Rotation(r)
		r.Close()
	}
	return cfg, format, rotation, nil
}
