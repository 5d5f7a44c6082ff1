package sstv

import (
	"log"
	"math"
	"strings"
)

/*
 * FSK ID
 *
 * Some transmitters append the operator's callsign after the image:
 * - 6-bit bytes, LSB first
 * - 45.45 baud (22 ms/bit)
 * - 1900 Hz = 1, 2100 Hz = 0
 * - Text starts with 0x20 0x2A and ends with 0x01
 * - Add 0x20 to get ASCII
 *
 * The decoder takes one bit decision per millisecond across the search range,
 * then tries every 1 ms alignment until the preamble reads correctly.
 */

const (
	fskBitMs   = 22.0
	fskOneHz   = 1900.0
	fskZeroHz  = 2100.0
	fskMaxChar = 10

	fskPreamble1  = 0x20
	fskPreamble2  = 0x2A
	fskTerminator = 0x01

	// fskSearchSec bounds how long after the image the preamble may start.
	fskSearchSec = 1.0
	// fskMaxDurationSec covers preamble, fskMaxChar characters and terminator.
	fskMaxDurationSec = (2 + fskMaxChar + 1) * 6 * fskBitMs / 1000
)

// FSKIDDecoder reads an FSK callsign from a sample source.
type FSKIDDecoder struct {
	demod   *FrequencyDemodulator
	shiftHz float64
	endSec  float64
}

// NewFSKIDDecoder creates a decoder; shiftHz is the header's measured offset.
func NewFSKIDDecoder(demod *FrequencyDemodulator, shiftHz float64) *FSKIDDecoder {
	return &FSKIDDecoder{demod: demod, shiftHz: shiftHz}
}

// Decode searches [fromSec, toSec] for a callsign.
func (f *FSKIDDecoder) Decode(fromSec, toSec float64) (string, bool) {
	n := int(math.Floor((toSec - fromSec) * 1000))
	if n <= 0 {
		return "", false
	}
	bits := make([]int8, 0, n)
	for k := 0; k < n; k++ {
		b, err := f.bitAt(fromSec + (float64(k)+fskBitMs/2)/1000)
		if err != nil {
			break
		}
		bits = append(bits, b)
	}

	searchMs := int(fskSearchSec * 1000)
	for o := 0; o < searchMs && o < len(bits); o++ {
		if text, ok := readFSK(bits, o); ok {
			log.Printf("[SSTV FSK] Decoded callsign: %s", text)
			// Preamble, text and terminator.
			f.endSec = fromSec + (float64(o)+float64(len(text)+3)*6*fskBitMs)/1000
			return text, true
		}
	}
	log.Printf("[SSTV FSK] No FSK ID detected")
	return "", false
}

// EndSec is where the last decoded callsign ends, zero before one is found.
func (f *FSKIDDecoder) EndSec() float64 { return f.endSec }

// bitAt decides the bit whose window is centered at t: 1, 0, or -1 when
// neither tone is present.
func (f *FSKIDDecoder) bitAt(t float64) (int8, error) {
	n := int(math.Round(0.8 * fskBitMs / 1000 * f.demod.SampleRate()))
	w, err := f.demod.window(t, n)
	if err != nil {
		return -1, err
	}
	est := f.demod.Estimator()
	power := est.Power(w)
	if power <= f.demod.noiseFloor || power == 0 {
		return -1, nil
	}
	one := est.Energy(w, fskOneHz+f.shiftHz)
	zero := est.Energy(w, fskZeroHz+f.shiftHz)
	if one+zero < 0.25*power {
		return -1, nil
	}
	if one > zero {
		return 1, nil
	}
	return 0, nil
}

// readFSK decodes the byte stream starting at bit decision offset o.
func readFSK(bits []int8, o int) (string, bool) {
	readByte := func(i int) (uint8, bool) {
		var v uint8
		for b := 0; b < 6; b++ {
			idx := o + int(float64(i*6+b)*fskBitMs)
			if idx >= len(bits) || bits[idx] < 0 {
				return 0, false
			}
			v |= uint8(bits[idx]) << uint(b)
		}
		return v, true
	}

	if c, ok := readByte(0); !ok || c != fskPreamble1 {
		return "", false
	}
	if c, ok := readByte(1); !ok || c != fskPreamble2 {
		return "", false
	}

	var sb strings.Builder
	for i := 2; i < 2+fskMaxChar+1; i++ {
		c, ok := readByte(i)
		if !ok || c < 0x0d {
			break
		}
		sb.WriteByte(c + 0x20)
	}
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

// fskBytes returns the 6-bit byte sequence for a callsign, uppercased and
// truncated to what fits.
func fskBytes(callsign string) []uint8 {
	out := []uint8{fskPreamble1, fskPreamble2}
	for _, r := range strings.ToUpper(callsign) {
		if len(out)-2 >= fskMaxChar {
			break
		}
		if r < 0x2D || r > 0x5F {
			continue
		}
		out = append(out, uint8(r)-0x20)
	}
	return append(out, fskTerminator)
}
