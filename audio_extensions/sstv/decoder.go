package sstv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
)

/*
 * SSTV Decoder - Streaming Orchestration
 * audio chunks -> Session (VIS, sync, lines) -> binary protocol messages
 *
 * The decoder owns one session at a time. When an image completes or is
 * abandoned the session is rearmed on the audio it has not consumed and the
 * decoder waits for the next header.
 */

// Binary protocol message types
const (
	MsgTypeImageLine    = 0x01
	MsgTypeModeDetected = 0x02
	MsgTypeStatus       = 0x03
	MsgTypeSyncDetected = 0x04
	MsgTypeComplete     = 0x05
	MsgTypeFSKID        = 0x06
	MsgTypeImageStart   = 0x07
	MsgTypeSyncLost     = 0x0A
	MsgTypeVISError     = 0x0B
)

// VIS error reasons carried by MsgTypeVISError.
const (
	VISErrorParity  = 0x01
	VISErrorUnknown = 0x02
)

// chunkMs is how much audio is accumulated between processing passes.
const chunkMs = 50

// Decoder runs sessions over a stream of 16-bit PCM chunks.
type Decoder struct {
	cfg     Config
	observe Observer

	session *Session
	out     chan<- []byte
	images  atomic.Int64

	// Control
	running  bool
	stopChan chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewDecoder creates a streaming decoder. obs, if not nil, sees every
// session event after the protocol messages for it have been queued.
func NewDecoder(cfg Config, obs Observer) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{
		cfg:     cfg,
		observe: obs,
	}, nil
}

// Start begins the decoding process
func (d *Decoder) Start(audioChan <-chan []int16, resultChan chan<- []byte) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("decoder already running")
	}
	d.running = true
	d.stopChan = make(chan struct{})
	stop := d.stopChan
	d.mu.Unlock()

	d.out = resultChan
	session, err := NewSession(d.cfg, &protocolSink{d: d}, d.handleEvent)
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}
	d.session = session

	d.wg.Add(1)
	go d.decodeLoop(audioChan, stop)
	return nil
}

// Stop stops the decoder. It is safe to call more than once and from
// several goroutines.
func (d *Decoder) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.wg.Wait()
		return nil
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Wait blocks until the decode loop has returned. After the audio channel
// is closed this is when the final session result has been sent.
func (d *Decoder) Wait() {
	d.wg.Wait()
}

// GetName returns the decoder name
func (d *Decoder) GetName() string {
	return "sstv"
}

// decodeLoop is the main decoding loop
func (d *Decoder) decodeLoop(audioChan <-chan []int16, stop <-chan struct{}) {
	defer d.wg.Done()
	defer func() {
		// A detached client may close the result channel under us.
		if r := recover(); r != nil {
			log.Printf("[SSTV] Recovered from panic: %v", r)
		}
	}()

	d.sendStatus("Waiting for signal...")

	chunk := int(d.cfg.SampleRate * chunkMs / 1000)
	pending := 0
	log.Printf("[SSTV] Processing in %d sample chunks (%d ms at %.0f Hz)", chunk, chunkMs, d.cfg.SampleRate)

	for {
		select {
		case <-stop:
			return

		case samples, ok := <-audioChan:
			if !ok {
				log.Printf("[SSTV] audioChan closed, finishing")
				res := d.session.Finish()
				if res.Outcome == OutcomeComplete {
					d.images.Add(1)
				}
				d.logResult(res)
				return
			}
			d.session.Feed(samples)
			pending += len(samples)
			if pending < chunk {
				continue
			}
			pending = 0
			d.session.Process()
			for d.rearmIfDone() {
				d.session.Process()
			}
		}
	}
}

// rearmIfDone restarts a finished session on the audio it has not used yet,
// so the next header can be found. It reports whether it did.
func (d *Decoder) rearmIfDone() bool {
	s := d.session
	if !s.State().Terminal() || s.fskPending {
		return false
	}
	d.logResult(s.Result())
	if s.Result().Outcome == OutcomeComplete {
		d.images.Add(1)
	}
	s.Rearm()
	d.sendStatus("Waiting for signal...")
	return true
}

func (d *Decoder) logResult(res Result) {
	name := "none"
	if res.Mode != nil {
		name = res.Mode.Name
	}
	log.Printf("[SSTV] Session ended: %s, mode %s, %d lines, %d rows, %d sync misses",
		res.Outcome, name, res.LinesDecoded, res.RowsWritten, res.SyncMisses)
}

// Images returns how many complete images have been decoded.
func (d *Decoder) Images() int { return int(d.images.Load()) }

// handleEvent turns session events into protocol messages.
func (d *Decoder) handleEvent(ev Event) {
	switch ev.Kind {
	case EventModeDetected:
		d.send(msgModeDetected(ev.Mode))
		d.send(msgImageStart(ev.Mode))
		d.sendStatus(fmt.Sprintf("Decoding %s...", ev.Mode.Name))
	case EventVISError:
		d.send(msgVISError(ev.Err))
	case EventSyncLocked:
		d.send(msgSyncDetected(ev.Confidence))
	case EventSyncLost:
		d.send(msgSyncLost(ev.Outcome, ev.Rows))
	case EventImageComplete:
		d.send(msgComplete(ev.Rows))
	case EventFSKID:
		d.send(msgFSKID(ev.Text))
	}
	if d.observe != nil {
		d.observe(ev)
	}
}

func (d *Decoder) send(msg []byte) {
	select {
	case d.out <- msg:
	default:
		// Channel full, drop the message
	}
}

func (d *Decoder) sendStatus(status string) {
	d.send(msgStatus(0, status))
}

// protocolSink forwards rows as image line messages.
type protocolSink struct {
	d *Decoder
}

func (p *protocolSink) WriteRow(row int, px PixelRow) error {
	p.d.send(msgImageLine(row, px))
	return nil
}

func (p *protocolSink) MarkComplete()   {}
func (p *protocolSink) MarkPartial(int) {}

// msgImageLine: [type:1][line:4][width:4][rgb_data:width*3]
func msgImageLine(row int, px PixelRow) []byte {
	rgb := px.RGB8()
	msg := make([]byte, 1+4+4+len(rgb))
	msg[0] = MsgTypeImageLine
	binary.BigEndian.PutUint32(msg[1:5], uint32(row))
	binary.BigEndian.PutUint32(msg[5:9], uint32(len(px)))
	copy(msg[9:], rgb)
	return msg
}

// msgModeDetected: [type:1][mode_id:1][extended:1][name_len:1][name]
func msgModeDetected(m *Mode) []byte {
	name := []byte(m.Name)
	msg := make([]byte, 4+len(name))
	msg[0] = MsgTypeModeDetected
	msg[1] = uint8(m.ID)
	msg[2] = 0 // extended VIS, never used by the supported modes
	msg[3] = uint8(len(name))
	copy(msg[4:], name)
	return msg
}

// msgImageStart: [type:1][width:4][height:4]
func msgImageStart(m *Mode) []byte {
	msg := make([]byte, 9)
	msg[0] = MsgTypeImageStart
	binary.BigEndian.PutUint32(msg[1:5], uint32(m.Width))
	binary.BigEndian.PutUint32(msg[5:9], uint32(m.Height))
	return msg
}

// msgStatus: [type:1][code:1][msg_len:2][message]
func msgStatus(code uint8, status string) []byte {
	b := []byte(status)
	msg := make([]byte, 4+len(b))
	msg[0] = MsgTypeStatus
	msg[1] = code
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(b)))
	copy(msg[4:], b)
	return msg
}

// msgSyncDetected: [type:1][quality:1], quality in percent
func msgSyncDetected(confidence float64) []byte {
	return []byte{MsgTypeSyncDetected, uint8(math.Round(clamp01(confidence) * 100))}
}

// msgComplete: [type:1][rows:4]
func msgComplete(rows int) []byte {
	msg := make([]byte, 5)
	msg[0] = MsgTypeComplete
	binary.BigEndian.PutUint32(msg[1:5], uint32(rows))
	return msg
}

// msgFSKID: [type:1][len:1][callsign]
func msgFSKID(callsign string) []byte {
	b := []byte(callsign)
	msg := make([]byte, 2+len(b))
	msg[0] = MsgTypeFSKID
	msg[1] = uint8(len(b))
	copy(msg[2:], b)
	return msg
}

// msgSyncLost: [type:1][outcome:1][rows:4]
func msgSyncLost(outcome Outcome, rows int) []byte {
	msg := make([]byte, 6)
	msg[0] = MsgTypeSyncLost
	msg[1] = uint8(outcome)
	binary.BigEndian.PutUint32(msg[2:6], uint32(rows))
	return msg
}

// msgVISError: [type:1][reason:1][code:1]
func msgVISError(err error) []byte {
	msg := []byte{MsgTypeVISError, VISErrorUnknown, 0}
	if errors.Is(err, ErrVISParity) {
		msg[1] = VISErrorParity
	}
	var ve *VISError
	if errors.As(err, &ve) {
		msg[2] = ve.Code
	}
	return msg
}
