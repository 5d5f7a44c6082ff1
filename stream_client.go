package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// ReceivedImage is one image assembled from protocol messages.
type ReceivedImage struct {
	Mode     string
	Image    *image.NRGBA
	Rows     int
	Complete bool
	Callsign string
}

// ProtocolReceiver rebuilds images from the binary SSTV protocol.
type ProtocolReceiver struct {
	mode    string
	current *ReceivedImage
	Images  []*ReceivedImage
}

// Handle consumes one protocol message.
func (p *ProtocolReceiver) Handle(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("empty message")
	}
	switch msg[0] {
	case sstv.MsgTypeModeDetected:
		if len(msg) < 4 || len(msg) < 4+int(msg[3]) {
			return fmt.Errorf("short mode message")
		}
		p.mode = string(msg[4 : 4+int(msg[3])])

	case sstv.MsgTypeImageStart:
		if len(msg) != 9 {
			return fmt.Errorf("short image start message")
		}
		w := int(binary.BigEndian.Uint32(msg[1:5]))
		h := int(binary.BigEndian.Uint32(msg[5:9]))
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
		p.current = &ReceivedImage{Mode: p.mode, Image: img}

	case sstv.MsgTypeImageLine:
		if p.current == nil {
			return fmt.Errorf("image line before image start")
		}
		if len(msg) < 9 {
			return fmt.Errorf("short image line message")
		}
		row := int(binary.BigEndian.Uint32(msg[1:5]))
		width := int(binary.BigEndian.Uint32(msg[5:9]))
		b := p.current.Image.Bounds()
		if row < 0 || row >= b.Dy() || width > b.Dx() || len(msg) != 9+3*width {
			return fmt.Errorf("image line %d out of bounds", row)
		}
		pix := p.current.Image.Pix[row*p.current.Image.Stride:]
		for x := 0; x < width; x++ {
			copy(pix[4*x:4*x+3], msg[9+3*x:12+3*x])
		}
		p.current.Rows++

	case sstv.MsgTypeComplete, sstv.MsgTypeSyncLost:
		if p.current == nil {
			return nil
		}
		p.current.Complete = msg[0] == sstv.MsgTypeComplete
		p.Images = append(p.Images, p.current)
		p.current = nil

	case sstv.MsgTypeFSKID:
		if len(msg) < 2 || len(msg) < 2+int(msg[1]) || len(p.Images) == 0 {
			return nil
		}
		p.Images[len(p.Images)-1].Callsign = string(msg[2 : 2+int(msg[1])])
	}
	return nil
}

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8090/ws", "Decode server WebSocket URL")
	outDir := fs.String("out", ".", "Directory for received images")
	compress := fs.Bool("compress", false, "zstd-compress PCM packets and request compressed results")
	chunkMs := fs.Int("chunk-ms", 50, "Audio per packet in milliseconds")
	realtime := fs.Bool("realtime", false, "Pace packets at the recording's sample rate")
	mode := fs.String("mode", "", "Force a mode and skip VIS")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one input WAV file")
	}

	audio, err := ReadWAV(fs.Arg(0))
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", *url, err)
	}
	defer conn.Close()

	params := map[string]interface{}{}
	if *mode != "" {
		params["forced_mode"] = *mode
	}
	attach, _ := json.Marshal(map[string]interface{}{
		"type":           "audio_extension_attach",
		"extension_name": "sstv",
		"sample_rate":    audio.SampleRate,
		"compression":    *compress,
		"params":         params,
	})
	if err := conn.WriteMessage(websocket.TextMessage, attach); err != nil {
		return err
	}
	var reply map[string]interface{}
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("no attach reply: %w", err)
	}
	if reply["type"] != "audio_extension_attached" {
		return fmt.Errorf("attach rejected: %v", reply["error"])
	}
	log.Printf("[Stream] Attached as session %v", reply["session_id"])

	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer zdec.Close()

	recv := &ProtocolReceiver{}
	g := new(errgroup.Group)
	g.Go(func() error {
		enc := NewPCMBinaryEncoder(*compress)
		defer enc.Close()
		pcm := audio.PCM16()
		chunk := audio.SampleRate * *chunkMs / 1000
		if chunk < 1 {
			chunk = 1
		}
		for pos := 0; pos < len(pcm); pos += chunk {
			end := pos + chunk
			if end > len(pcm) {
				end = len(pcm)
			}
			packet := enc.EncodePCMPacket(pcm[pos:end], uint64(pos), audio.SampleRate)
			if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				return fmt.Errorf("failed to send audio: %w", err)
			}
			if *realtime {
				time.Sleep(time.Duration(end-pos) * time.Second / time.Duration(audio.SampleRate))
			}
		}
		return conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_extension_detach"}`))
	})
	g.Go(func() error {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}
			if msgType == websocket.TextMessage {
				log.Printf("[Stream] %s", data)
				continue
			}
			if bytes.HasPrefix(data, zstdMagic) {
				if data, err = zdec.DecodeAll(data, nil); err != nil {
					return fmt.Errorf("failed to decompress result: %w", err)
				}
			}
			if err := recv.Handle(data); err != nil {
				log.Printf("[Stream] Bad message: %v", err)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for i, img := range recv.Images {
		name := fmt.Sprintf("sstv_stream_%s_%d.png", uuid.NewString()[:8], i)
		path := filepath.Join(*outDir, name)
		if err := SavePNG(path, img.Image); err != nil {
			return err
		}
		log.Printf("[Stream] %s: %d rows, complete %v, callsign %q -> %s", img.Mode, img.Rows, img.Complete, img.Callsign, path)
	}
	if len(recv.Images) == 0 {
		log.Printf("[Stream] No image received")
	}
	return nil
}
