package sstv

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Input errors are returned before any decoding starts.
var (
	ErrInvalidSampleRate = errors.New("sstv: invalid sample rate")
	ErrEmptyInput        = errors.New("sstv: empty sample stream")
	ErrUnknownMode       = errors.New("sstv: unknown mode")
)

// Lowest sample rate that still places the 2300 Hz white tone below Nyquist
// with some room for the demodulator's candidate grid.
const minSampleRate = 6000.0

// Config is consumed once at session start.
type Config struct {
	SampleRate float64 // Hz, required

	// ForcedMode skips VIS detection when set (e.g. "PD120", "R36").
	ForcedMode string

	PhaseOffsetMs float64 // constant horizontal shift applied to every line
	SkewMsPerLine float64 // linear per-line drift correction

	// AutoSkew fits skew and phase from observed sync positions while decoding.
	AutoSkew bool
	// Adaptive widens the pixel demodulation window on noisy lines.
	Adaptive bool
	// DecodeFSKID looks for an FSK callsign after a completed image.
	DecodeFSKID bool

	VISLayout VISLayout

	// MaxSyncMisses is the number of consecutive lines whose sync pulse may be
	// missing before the session gives up with SyncLost.
	MaxSyncMisses int
	// SyncToleranceMs bounds the per-line sync search around the predicted edge.
	SyncToleranceMs float64
	// NoiseFloor is the mean-square amplitude below which the demodulator
	// refuses to report a frequency.
	NoiseFloor float64

	Debug bool
}

// DefaultConfig returns a configuration with every optional field at its default.
func DefaultConfig(sampleRate float64) Config {
	return Config{
		SampleRate:      sampleRate,
		AutoSkew:        true,
		Adaptive:        true,
		DecodeFSKID:     true,
		VISLayout:       VISLayoutEightBit,
		MaxSyncMisses:   4,
		SyncToleranceMs: 4,
		NoiseFloor:      1e-7,
	}
}

// Validate checks the configuration and resolves the forced mode, if any.
func (c Config) Validate() error {
	if math.IsNaN(c.SampleRate) || math.IsInf(c.SampleRate, 0) || c.SampleRate < minSampleRate {
		return fmt.Errorf("%w: %.1f Hz (minimum %.0f Hz)", ErrInvalidSampleRate, c.SampleRate, minSampleRate)
	}
	if c.ForcedMode != "" {
		if _, err := ModeByName(c.ForcedMode); err != nil {
			return err
		}
	}
	if c.MaxSyncMisses < 0 {
		return fmt.Errorf("sstv: max sync misses must be >= 0, got %d", c.MaxSyncMisses)
	}
	if c.SyncToleranceMs <= 0 {
		return fmt.Errorf("sstv: sync tolerance must be positive, got %.2f ms", c.SyncToleranceMs)
	}
	if c.NoiseFloor < 0 {
		return fmt.Errorf("sstv: noise floor must be >= 0, got %g", c.NoiseFloor)
	}
	switch c.VISLayout {
	case VISLayoutEightBit, VISLayoutClassic:
	default:
		return fmt.Errorf("sstv: unknown VIS layout %d", c.VISLayout)
	}
	return nil
}

// ApplyParams overrides fields from an extension parameter map, the way the
// websocket attach message carries them. Unknown keys are ignored.
func (c *Config) ApplyParams(params map[string]interface{}) error {
	if v, ok := params["auto_skew"].(bool); ok {
		c.AutoSkew = v
	}
	if v, ok := params["adaptive"].(bool); ok {
		c.Adaptive = v
	}
	if v, ok := params["decode_fsk_id"].(bool); ok {
		c.DecodeFSKID = v
	}
	if v, ok := params["debug"].(bool); ok {
		c.Debug = v
	}
	if v, ok := params["forced_mode"].(string); ok {
		c.ForcedMode = v
	}
	if v, ok := numberParam(params["phase_offset_ms"]); ok {
		c.PhaseOffsetMs = v
	}
	if v, ok := numberParam(params["skew_ms_per_line"]); ok {
		c.SkewMsPerLine = v
	}
	if v, ok := params["vis_layout"].(string); ok {
		layout, err := ParseVISLayout(v)
		if err != nil {
			return err
		}
		c.VISLayout = layout
	}
	return nil
}

// numberParam accepts the numeric types JSON and YAML decoders produce.
func numberParam(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ParseVISLayout maps a configuration string to a VIS layout.
func ParseVISLayout(s string) (VISLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "eight_bit", "8bit":
		return VISLayoutEightBit, nil
	case "classic":
		return VISLayoutClassic, nil
	}
	return 0, fmt.Errorf("sstv: unknown VIS layout %q", s)
}
