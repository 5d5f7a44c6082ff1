package sstv

import "fmt"

/*
 * SSTV Extension Registration
 * Provides factory function and metadata for the SSTV decoder
 */

// supportedModes describes every mode for GetInfo.
func supportedModes() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(allModes))
	for _, m := range allModes {
		color := "YUVY"
		if m.Chroma == ChromaAlternating {
			color = "YUV"
		}
		out = append(out, map[string]interface{}{
			"name":       m.Name,
			"short":      m.ShortName,
			"vis":        m.VIS,
			"resolution": fmt.Sprintf("%dx%d", m.Width, m.Height),
			"line_ms":    m.LineMs,
			"color":      color,
		})
	}
	return out
}

// GetInfo returns extension metadata
func GetInfo() map[string]interface{} {
	return map[string]interface{}{
		"name":        "sstv",
		"description": "Slow Scan Television (SSTV) decoder for Robot 36, PD-120 and PD-180",
		"version":     "2.0.0",
		"parameters": map[string]interface{}{
			"auto_skew": map[string]interface{}{
				"type":        "boolean",
				"description": "Fit clock skew from sync pulses while decoding to correct image slant",
				"default":     true,
			},
			"adaptive": map[string]interface{}{
				"type":        "boolean",
				"description": "Widen the demodulation window on noisy lines",
				"default":     true,
			},
			"decode_fsk_id": map[string]interface{}{
				"type":        "boolean",
				"description": "Decode FSK callsign transmission after image",
				"default":     true,
			},
			"forced_mode": map[string]interface{}{
				"type":        "string",
				"description": "Skip VIS detection and decode this mode (e.g. PD120, R36)",
				"default":     "",
			},
			"phase_offset_ms": map[string]interface{}{
				"type":        "number",
				"description": "Constant horizontal shift applied to every line (ms)",
				"default":     0.0,
			},
			"skew_ms_per_line": map[string]interface{}{
				"type":        "number",
				"description": "Initial per-line drift correction (ms/line)",
				"default":     0.0,
			},
			"vis_layout": map[string]interface{}{
				"type":        "string",
				"description": "VIS framing: eight_bit (8 data bits, 1300 Hz = 1) or classic (7 data bits, 1100 Hz = 1)",
				"default":     "eight_bit",
			},
		},
		"supported_modes": supportedModes(),
		"output_format": map[string]interface{}{
			"type":        "binary",
			"description": "Binary protocol with image lines and status messages",
			"protocol": map[string]interface{}{
				"image_line": map[string]interface{}{
					"type":        MsgTypeImageLine,
					"description": "Decoded image row (RGB)",
					"format":      "[type:1][line:4][width:4][rgb_data:width*3]",
					"fields": []map[string]interface{}{
						{"name": "type", "bytes": 1, "description": "Message type (0x01)"},
						{"name": "line", "bytes": 4, "description": "Row number (big-endian uint32)"},
						{"name": "width", "bytes": 4, "description": "Image width in pixels (big-endian uint32)"},
						{"name": "rgb_data", "bytes": -1, "description": "RGB pixel data (3 bytes per pixel)"},
					},
				},
				"mode_detected": map[string]interface{}{
					"type":        MsgTypeModeDetected,
					"description": "SSTV mode detected (or forced)",
					"format":      "[type:1][mode_id:1][extended:1][name_len:1][name:len]",
				},
				"status": map[string]interface{}{
					"type":        MsgTypeStatus,
					"description": "Status update",
					"format":      "[type:1][code:1][msg_len:2][message:len]",
				},
				"sync_detected": map[string]interface{}{
					"type":        MsgTypeSyncDetected,
					"description": "Line sync locked, quality in percent",
					"format":      "[type:1][quality:1]",
				},
				"complete": map[string]interface{}{
					"type":        MsgTypeComplete,
					"description": "Image decode complete",
					"format":      "[type:1][total_rows:4]",
				},
				"fsk_id": map[string]interface{}{
					"type":        MsgTypeFSKID,
					"description": "FSK callsign decoded",
					"format":      "[type:1][len:1][callsign:len]",
				},
				"image_start": map[string]interface{}{
					"type":        MsgTypeImageStart,
					"description": "Image dimensions for the detected mode",
					"format":      "[type:1][width:4][height:4]",
				},
				"sync_lost": map[string]interface{}{
					"type":        MsgTypeSyncLost,
					"description": "Image abandoned; outcome 2 = sync lost, 3 = input ended",
					"format":      "[type:1][outcome:1][rows:4]",
				},
				"vis_error": map[string]interface{}{
					"type":        MsgTypeVISError,
					"description": "VIS header rejected; reason 1 = parity, 2 = unknown code",
					"format":      "[type:1][reason:1][code:1]",
				},
			},
		},
		"features": []string{
			"VIS code detection (8-bit and classic 7-bit framing)",
			"Trailing-edge sync detection with bounded miss budget",
			"Automatic skew fit and slant correction",
			"Sub-sample timing with phase-refined tone demodulation",
			"Frequency shift correction from the VIS leader",
			"Adaptive windowing based on SNR",
			"FSK callsign decoding",
			"Real-time line-by-line streaming",
		},
		"requirements": map[string]interface{}{
			"sample_rate": "6000 Hz or more (tested with 11025, 12000 and 48000 Hz)",
			"channels":    1,
			"bit_depth":   16,
			"mode":        "USB (typically)",
		},
	}
}
