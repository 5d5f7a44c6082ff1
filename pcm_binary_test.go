package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestPCMPacketHeaders(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		enc := NewPCMBinaryEncoder(compressed)
		dec, err := NewPCMBinaryDecoder(0)
		if err != nil {
			t.Fatal(err)
		}

		samples := []int16{0, 1, -1, 32767, -32768, 1234}
		first := enc.EncodePCMPacket(samples, 0, 11025)
		second := enc.EncodePCMPacket(samples[:2], 6, 11025)
		third := enc.EncodePCMPacket(samples[:1], 8, 12000)

		if !compressed {
			if binary.LittleEndian.Uint16(first) != PCMBinaryMagicFull || len(first) != PCMFullHeaderSize+12 {
				t.Errorf("First packet should carry a full header, got %d bytes", len(first))
			}
			if binary.LittleEndian.Uint16(second) != PCMBinaryMagicMinimal || len(second) != PCMMinimalHeaderSize+4 {
				t.Errorf("Second packet should carry a minimal header, got %d bytes", len(second))
			}
			if binary.LittleEndian.Uint16(third) != PCMBinaryMagicFull {
				t.Error("A sample rate change should send a full header")
			}
		} else if !bytes.HasPrefix(first, zstdMagic) {
			t.Error("Compressed packets should be zstd frames")
		}

		p, err := dec.Decode(first)
		if err != nil {
			t.Fatal(err)
		}
		if p.SampleRate != 11025 || p.Position != 0 || p.Compressed != compressed {
			t.Errorf("compressed=%v: unexpected first packet %+v", compressed, p)
		}
		for i := range samples {
			if p.Samples[i] != samples[i] {
				t.Fatalf("Sample %d: got %d, want %d", i, p.Samples[i], samples[i])
			}
		}

		p, err = dec.Decode(second)
		if err != nil {
			t.Fatal(err)
		}
		if p.SampleRate != 11025 || p.Position != 6 || len(p.Samples) != 2 {
			t.Errorf("Unexpected minimal packet %+v", p)
		}

		p, err = dec.Decode(third)
		if err != nil {
			t.Fatal(err)
		}
		if p.SampleRate != 12000 || dec.SampleRate() != 12000 || p.Position != 8 {
			t.Errorf("Rate change not tracked: %+v", p)
		}

		enc.Close()
		dec.Close()
	}
}

func TestPCMDecodeErrors(t *testing.T) {
	fresh := func() *PCMBinaryDecoder {
		d, err := NewPCMBinaryDecoder(0)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(d.Close)
		return d
	}

	full := NewPCMBinaryEncoder(false).EncodePCMPacket([]int16{1, 2}, 0, 12000)
	stereo := append([]byte(nil), full...)
	stereo[24] = 2
	zeroRate := append([]byte(nil), full...)
	binary.LittleEndian.PutUint32(zeroRate[20:], 0)
	odd := append(append([]byte(nil), full...), 0x01)
	minimal := buildMinimalHeaderPacket([]int16{1}, 0)

	tests := []struct {
		name   string
		packet []byte
		want   error
	}{
		{"empty", nil, ErrPCMShortPacket},
		{"truncated full header", full[:20], ErrPCMShortPacket},
		{"bad magic", []byte{0xff, 0xff, 1, 0, 0}, ErrPCMBadMagic},
		{"stereo", stereo, ErrPCMNotMono},
		{"zero rate", zeroRate, ErrPCMBadSampleRate},
		{"odd payload", odd, ErrPCMOddPayload},
		{"minimal first", minimal, ErrPCMNoHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fresh().Decode(tt.packet); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	// A decoder created with a rate accepts minimal packets straight away.
	d, err := NewPCMBinaryDecoder(12000)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	p, err := d.Decode(minimal)
	if err != nil || p.SampleRate != 12000 {
		t.Errorf("Expected minimal packet at 12000 Hz, got %+v, %v", p, err)
	}
}

func TestCompressFrame(t *testing.T) {
	msg := bytes.Repeat([]byte{0x01, 0, 0, 0, 7, 0, 0, 1, 64}, 50)
	frame := compressFrame(msg)
	if !bytes.HasPrefix(frame, zstdMagic) {
		t.Fatal("Expected a zstd frame")
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer zdec.Close()
	out, err := zdec.DecodeAll(frame, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, msg) {
		t.Error("Decompressed frame differs from the message")
	}
}
