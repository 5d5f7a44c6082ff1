package main

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVAudio is a mono recording normalized to [-1, 1].
type WAVAudio struct {
	SampleRate int
	Samples    []float64
}

// ReadWAV loads a PCM WAV file. Multi-channel files are mixed down to mono.
func ReadWAV(path string) (*WAVAudio, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file: %s", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples from %s: %w", path, err)
	}
	channels := int(decoder.NumChans)
	if channels < 1 {
		channels = 1
	}
	if decoder.BitDepth == 0 || len(buf.Data) < channels {
		return nil, fmt.Errorf("no samples in %s", path)
	}

	// Convert to float64 and normalize to [-1.0, 1.0]
	maxVal := float64(int(1) << (uint(decoder.BitDepth) - 1))
	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = sum / float64(channels) / maxVal
	}

	return &WAVAudio{SampleRate: int(decoder.SampleRate), Samples: samples}, nil
}

// PCM16 returns the recording as 16-bit samples, the format streamed to the
// decoder extension.
func (w *WAVAudio) PCM16() []int16 {
	out := make([]int16, len(w.Samples))
	for i, v := range w.Samples {
		v *= 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32767:
			v = -32767
		}
		if v < 0 {
			out[i] = int16(v - 0.5)
		} else {
			out[i] = int16(v + 0.5)
		}
	}
	return out
}

// WriteWAV writes 16-bit mono PCM.
func WriteWAV(path string, sampleRate int, pcm []int16) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	encoder := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(pcm)),
		SourceBitDepth: 16,
	}
	for i, v := range pcm {
		buf.Data[i] = int(v)
	}

	if err := encoder.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("failed to write samples to %s: %w", path, err)
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return file.Close()
}
