package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Binary PCM Packet Format
// ========================
//
// Clients stream audio to /ws as binary messages in this format. A full
// header is sent on the first packet and whenever the sample rate changes;
// later packets carry a minimal header. Any packet may be zstd-compressed as
// a whole, which the server detects from the zstd frame magic.
//
// FULL HEADER FORMAT (29 bytes):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------------
// 0      | 2    | uint16  | Magic bytes: 0x5043 ("PC")
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Format type: 0=PCM, 2=PCM-zstd
// 4      | 8    | uint64  | Sample count of the first sample in the packet
// 12     | 8    | uint64  | Wall clock time in milliseconds
// 20     | 4    | uint32  | Sample rate in Hz
// 24     | 1    | uint8   | Number of channels (must be 1)
// 25     | 4    | uint32  | Reserved
// 29     | N    | []byte  | PCM audio data (big-endian int16 samples)
//
// MINIMAL HEADER FORMAT (13 bytes):
// 0      | 2    | uint16  | Magic bytes: 0x504D ("PM")
// 2      | 1    | uint8   | Version: 1
// 3      | 8    | uint64  | Sample count
// 11     | 2    | uint16  | Reserved
// 13     | N    | []byte  | PCM audio data
//
// All header integers are little-endian.

const (
	PCMBinaryMagicFull    uint16 = 0x5043 // "PC" - Full header packet
	PCMBinaryMagicMinimal uint16 = 0x504D // "PM" - Minimal header packet

	PCMBinaryVersion uint8 = 1

	PCMFormatUncompressed uint8 = 0
	PCMFormatZstd         uint8 = 2

	PCMFullHeaderSize    = 29
	PCMMinimalHeaderSize = 13
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	ErrPCMShortPacket   = errors.New("pcm: packet too short")
	ErrPCMBadMagic      = errors.New("pcm: unknown packet magic")
	ErrPCMNoHeader      = errors.New("pcm: minimal packet before any full header")
	ErrPCMNotMono       = errors.New("pcm: only mono audio is accepted")
	ErrPCMOddPayload    = errors.New("pcm: payload is not whole int16 samples")
	ErrPCMBadSampleRate = errors.New("pcm: invalid sample rate")
)

// zstdEncoderPool provides reusable zstd encoders for efficiency
var zstdEncoderPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

// PCMBinaryEncoder builds client packets. The stream command and the tests use it.
type PCMBinaryEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	encoderMu      sync.Mutex

	lastSampleRate int
	packetCount    uint64
}

// NewPCMBinaryEncoder creates a new PCM binary encoder
func NewPCMBinaryEncoder(useCompression bool) *PCMBinaryEncoder {
	encoder := &PCMBinaryEncoder{
		useCompression: useCompression,
		lastSampleRate: -1, // Force full header on first packet
	}
	if useCompression {
		encoder.zstdEncoder = zstdEncoderPool.Get().(*zstd.Encoder)
	}
	return encoder
}

// EncodePCMPacket encodes samples starting at sample count position.
func (e *PCMBinaryEncoder) EncodePCMPacket(samples []int16, position uint64, sampleRate int) []byte {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	e.packetCount++

	var packet []byte
	if e.lastSampleRate != sampleRate {
		packet = e.buildFullHeaderPacket(samples, position, sampleRate)
		e.lastSampleRate = sampleRate
	} else {
		packet = buildMinimalHeaderPacket(samples, position)
	}

	if e.useCompression && e.zstdEncoder != nil {
		return e.zstdEncoder.EncodeAll(packet, make([]byte, 0, len(packet)))
	}
	return packet
}

func (e *PCMBinaryEncoder) buildFullHeaderPacket(samples []int16, position uint64, sampleRate int) []byte {
	packet := make([]byte, PCMFullHeaderSize+2*len(samples))
	binary.LittleEndian.PutUint16(packet[0:], PCMBinaryMagicFull)
	packet[2] = PCMBinaryVersion
	if e.useCompression {
		packet[3] = PCMFormatZstd
	} else {
		packet[3] = PCMFormatUncompressed
	}
	binary.LittleEndian.PutUint64(packet[4:], position)
	binary.LittleEndian.PutUint64(packet[12:], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint32(packet[20:], uint32(sampleRate))
	packet[24] = 1
	binary.LittleEndian.PutUint32(packet[25:], 0)
	putSamples(packet[PCMFullHeaderSize:], samples)
	return packet
}

func buildMinimalHeaderPacket(samples []int16, position uint64) []byte {
	packet := make([]byte, PCMMinimalHeaderSize+2*len(samples))
	binary.LittleEndian.PutUint16(packet[0:], PCMBinaryMagicMinimal)
	packet[2] = PCMBinaryVersion
	binary.LittleEndian.PutUint64(packet[3:], position)
	binary.LittleEndian.PutUint16(packet[11:], 0)
	putSamples(packet[PCMMinimalHeaderSize:], samples)
	return packet
}

func putSamples(dst []byte, samples []int16) {
	for i, s := range samples {
		binary.BigEndian.PutUint16(dst[2*i:], uint16(s))
	}
}

// Close releases resources used by the encoder
func (e *PCMBinaryEncoder) Close() {
	if e.zstdEncoder != nil {
		zstdEncoderPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}

// PCMPacket is one decoded client packet.
type PCMPacket struct {
	Position   uint64
	SampleRate int
	Samples    []int16
	Compressed bool
}

// PCMBinaryDecoder parses client packets for one connection.
type PCMBinaryDecoder struct {
	zstdDecoder *zstd.Decoder
	sampleRate  int
}

// NewPCMBinaryDecoder creates a decoder; sampleRate is assumed until a full
// header announces another.
func NewPCMBinaryDecoder(sampleRate int) (*PCMBinaryDecoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &PCMBinaryDecoder{zstdDecoder: dec, sampleRate: sampleRate}, nil
}

// Decode parses one packet.
func (d *PCMBinaryDecoder) Decode(packet []byte) (PCMPacket, error) {
	var out PCMPacket
	if len(packet) >= len(zstdMagic) && string(packet[:4]) == string(zstdMagic) {
		raw, err := d.zstdDecoder.DecodeAll(packet, nil)
		if err != nil {
			return out, fmt.Errorf("pcm: failed to decompress packet: %w", err)
		}
		packet = raw
		out.Compressed = true
	}
	if len(packet) < 3 {
		return out, ErrPCMShortPacket
	}

	var payload []byte
	switch binary.LittleEndian.Uint16(packet[0:]) {
	case PCMBinaryMagicFull:
		if len(packet) < PCMFullHeaderSize {
			return out, ErrPCMShortPacket
		}
		if packet[24] != 1 {
			return out, ErrPCMNotMono
		}
		rate := int(binary.LittleEndian.Uint32(packet[20:]))
		if rate <= 0 {
			return out, ErrPCMBadSampleRate
		}
		d.sampleRate = rate
		out.Position = binary.LittleEndian.Uint64(packet[4:])
		payload = packet[PCMFullHeaderSize:]
	case PCMBinaryMagicMinimal:
		if len(packet) < PCMMinimalHeaderSize {
			return out, ErrPCMShortPacket
		}
		if d.sampleRate <= 0 {
			return out, ErrPCMNoHeader
		}
		out.Position = binary.LittleEndian.Uint64(packet[3:])
		payload = packet[PCMMinimalHeaderSize:]
	default:
		return out, ErrPCMBadMagic
	}
	if len(payload)%2 != 0 {
		return out, ErrPCMOddPayload
	}

	out.SampleRate = d.sampleRate
	out.Samples = make([]int16, len(payload)/2)
	for i := range out.Samples {
		out.Samples[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return out, nil
}

// SampleRate is the rate of the last full header, or the initial rate.
func (d *PCMBinaryDecoder) SampleRate() int { return d.sampleRate }

// Close releases the zstd decoder.
func (d *PCMBinaryDecoder) Close() {
	d.zstdDecoder.Close()
}

// compressFrame zstd-compresses an outbound protocol message.
func compressFrame(msg []byte) []byte {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(msg, make([]byte, 0, len(msg)))
}
