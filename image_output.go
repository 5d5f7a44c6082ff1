package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// LoadImage decodes a PNG or JPEG file.
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// SavePNG writes img to path, creating parent directories as needed.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}

// OutputName builds the file name for a decoded image:
// sstv_<mode>_<UTC timestamp>_<id>[_partial].png
func OutputName(dir string, res sstv.Result, at time.Time, id string) string {
	mode := "unknown"
	if res.Mode != nil {
		mode = strings.ToLower(res.Mode.ShortName)
	}
	name := fmt.Sprintf("sstv_%s_%s_%s", mode, at.UTC().Format("20060102T150405Z"), id)
	if res.Outcome != sstv.OutcomeComplete {
		name += "_partial"
	}
	return filepath.Join(dir, name+".png")
}
