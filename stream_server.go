package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// attachTimeout bounds the wait for the attach message after the upgrade.
const attachTimeout = 10 * time.Second

// StreamServer accepts PCM over WebSocket and streams decoded SSTV images
// back as binary protocol messages.
type StreamServer struct {
	config   *Config
	registry *AudioExtensionRegistry
	metrics  *PrometheusMetrics
	mqtt     *MQTTPublisher
	debug    bool
	upgrader websocket.Upgrader

	sessions   map[string]*StreamSession
	sessionsMu sync.RWMutex
}

// StreamSession is one attached decoder
type StreamSession struct {
	ID            string
	ExtensionName string
	Extension     sstv.AudioExtension
	AudioChan     chan []int16
	ResultChan    chan []byte
	Conn          *websocket.Conn
	ConnMu        sync.Mutex
	StartedAt     time.Time
	SampleRate    int
	Compress      bool
}

// attachMessage is the first text message a client sends.
type attachMessage struct {
	Type          string                 `json:"type"`
	ExtensionName string                 `json:"extension_name"`
	SampleRate    int                    `json:"sample_rate"`
	Compression   bool                   `json:"compression"`
	Params        map[string]interface{} `json:"params"`
}

// waiter is implemented by extensions that can drain a closed audio channel.
type waiter interface {
	Wait()
}

// NewStreamServer creates the server; metrics and mqtt may be nil.
func NewStreamServer(config *Config, registry *AudioExtensionRegistry, metrics *PrometheusMetrics, mqttPub *MQTTPublisher, debug bool) *StreamServer {
	s := &StreamServer{
		config:   config,
		registry: registry,
		metrics:  metrics,
		mqtt:     mqttPub,
		debug:    debug,
		sessions: make(map[string]*StreamSession),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *StreamServer) checkOrigin(r *http.Request) bool {
	if len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes.
func (s *StreamServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/extensions", s.handleExtensions)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if s.config.Prometheus.Enabled {
		metricsHandler := promhttp.Handler()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if !s.config.Prometheus.IsIPAllowed(remoteIP(r)) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		})
	}
	return mux
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *StreamServer) handleExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"extensions": s.registry.List()})
}

func (s *StreamServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.sessionsMu.RLock()
	list := make([]map[string]interface{}, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, map[string]interface{}{
			"id":             sess.ID,
			"extension_name": sess.ExtensionName,
			"sample_rate":    sess.SampleRate,
			"started_at":     sess.StartedAt.Format(time.RFC3339),
			"uptime_sec":     int(time.Since(sess.StartedAt).Seconds()),
		})
	}
	s.sessionsMu.RUnlock()
	writeJSON(w, map[string]interface{}{"sessions": list})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to write JSON response: %v", err)
	}
}

// GetActiveSessionCount returns the number of attached sessions
func (s *StreamServer) GetActiveSessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *StreamServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.GetActiveSessionCount() >= s.config.Server.MaxSessions {
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess, err := s.attach(conn)
	if err != nil {
		log.Printf("[Server] Attach failed from %s: %v", remoteIP(r), err)
		s.sendError(conn, nil, err.Error())
		return
	}

	s.sessionsMu.Lock()
	s.sessions[sess.ID] = sess
	s.sessionsMu.Unlock()
	s.metrics.RecordSessionStart()
	log.Printf("[Server] Session %s attached '%s' at %d Hz from %s", sess.ID, sess.ExtensionName, sess.SampleRate, remoteIP(r))

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess.ID)
		s.sessionsMu.Unlock()
		s.metrics.RecordSessionEnd(time.Since(sess.StartedAt))
		log.Printf("[Server] Session %s closed after %s", sess.ID, time.Since(sess.StartedAt).Round(time.Second))
	}()

	if s.config.Server.MaxSessionTime > 0 {
		conn.SetReadDeadline(sess.StartedAt.Add(time.Duration(s.config.Server.MaxSessionTime) * time.Second))
	}

	g, _ := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readLoop(sess) })
	g.Go(func() error { return s.forwardResults(sess) })
	if err := g.Wait(); err != nil && s.debug {
		log.Printf("[Server] Session %s ended: %v", sess.ID, err)
	}
}

// attach reads the attach message and starts the extension.
func (s *StreamServer) attach(conn *websocket.Conn) (*StreamSession, error) {
	conn.SetReadDeadline(time.Now().Add(attachTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("no attach message: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if msgType != websocket.TextMessage {
		return nil, errors.New("first message must be an audio_extension_attach text message")
	}

	var msg attachMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid attach message: %w", err)
	}
	if msg.Type != "audio_extension_attach" {
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if msg.ExtensionName == "" {
		msg.ExtensionName = "sstv"
	}
	if msg.SampleRate == 0 {
		msg.SampleRate = s.config.Server.DefaultSampleRate
	}

	sess := &StreamSession{
		ID:            uuid.NewString(),
		ExtensionName: msg.ExtensionName,
		AudioChan:     make(chan []int16, 1024),
		ResultChan:    make(chan []byte, 1024),
		Conn:          conn,
		StartedAt:     time.Now(),
		SampleRate:    msg.SampleRate,
		Compress:      msg.Compression || s.config.Server.Compression,
	}

	audioParams := sstv.AudioExtensionParams{
		SampleRate:    msg.SampleRate,
		Channels:      1,
		BitsPerSample: 16,
	}
	obs := chainObservers(s.metrics.Observe, s.mqtt.Observer(sess.ID))
	ext, err := s.registry.Create(msg.ExtensionName, audioParams, msg.Params, obs)
	if err != nil {
		return nil, fmt.Errorf("failed to create extension: %w", err)
	}
	if err := ext.Start(sess.AudioChan, sess.ResultChan); err != nil {
		return nil, fmt.Errorf("failed to start extension: %w", err)
	}
	sess.Extension = ext

	if err := s.sendText(sess.Conn, sess, map[string]interface{}{
		"type":           "audio_extension_attached",
		"extension_name": sess.ExtensionName,
		"session_id":     sess.ID,
		"started_at":     sess.StartedAt.Format(time.RFC3339),
		"compression":    sess.Compress,
	}); err != nil {
		s.finish(sess)
		return nil, err
	}
	return sess, nil
}

// readLoop feeds PCM packets to the extension until the client detaches or
// the connection ends, then lets the decoder drain.
func (s *StreamServer) readLoop(sess *StreamSession) error {
	defer s.finish(sess)

	pcm, err := NewPCMBinaryDecoder(sess.SampleRate)
	if err != nil {
		return err
	}
	defer pcm.Close()

	for {
		msgType, data, err := sess.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			packet, err := pcm.Decode(data)
			if err != nil {
				s.sendError(sess.Conn, sess, err.Error())
				continue
			}
			if packet.SampleRate != sess.SampleRate {
				s.sendError(sess.Conn, sess, fmt.Sprintf("sample rate changed from %d to %d Hz; reattach to change it", sess.SampleRate, packet.SampleRate))
				return fmt.Errorf("sample rate changed mid-session")
			}
			s.metrics.RecordPCMBytes(2 * len(packet.Samples))
			sess.AudioChan <- packet.Samples

		case websocket.TextMessage:
			var msg map[string]interface{}
			if err := json.Unmarshal(data, &msg); err != nil {
				s.sendError(sess.Conn, sess, "invalid JSON message")
				continue
			}
			switch msg["type"] {
			case "audio_extension_detach":
				return nil
			case "audio_extension_status":
				s.sendText(sess.Conn, sess, map[string]interface{}{
					"type":           "audio_extension_status",
					"active":         true,
					"extension_name": sess.ExtensionName,
					"started_at":     sess.StartedAt.Format(time.RFC3339),
					"uptime_sec":     int(time.Since(sess.StartedAt).Seconds()),
				})
			case "audio_extension_list":
				s.sendText(sess.Conn, sess, map[string]interface{}{
					"type":       "audio_extension_list",
					"extensions": s.registry.List(),
				})
			default:
				s.sendError(sess.Conn, sess, fmt.Sprintf("unknown message type: %v", msg["type"]))
			}
		}
	}
}

// finish ends the audio stream, waits for the final messages and closes the
// result channel.
func (s *StreamServer) finish(sess *StreamSession) {
	close(sess.AudioChan)
	if w, ok := sess.Extension.(waiter); ok {
		w.Wait()
	}
	if err := sess.Extension.Stop(); err != nil {
		log.Printf("[Server] Error stopping extension: %v", err)
	}
	close(sess.ResultChan)
}

// forwardResults forwards binary extension results to the client
func (s *StreamServer) forwardResults(sess *StreamSession) error {
	for msg := range sess.ResultChan {
		out := msg
		if sess.Compress {
			out = compressFrame(msg)
		}
		sess.ConnMu.Lock()
		sess.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := sess.Conn.WriteMessage(websocket.BinaryMessage, out)
		sess.ConnMu.Unlock()
		if err != nil {
			// Unblock the reader; the decoder keeps draining into the buffer.
			sess.Conn.Close()
			for range sess.ResultChan {
			}
			return fmt.Errorf("failed to send result: %w", err)
		}
		s.metrics.RecordMessageSent(msg[0])
	}
	sess.ConnMu.Lock()
	defer sess.ConnMu.Unlock()
	sess.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
		time.Now().Add(time.Second))
	return nil
}

// sendText sends a JSON text message to the client. sess may be nil before
// the session exists.
func (s *StreamServer) sendText(conn *websocket.Conn, sess *StreamSession, message map[string]interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if sess != nil {
		sess.ConnMu.Lock()
		defer sess.ConnMu.Unlock()
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *StreamServer) sendError(conn *websocket.Conn, sess *StreamSession, errorMsg string) error {
	return s.sendText(conn, sess, map[string]interface{}{
		"type":  "audio_extension_error",
		"error": errorMsg,
	})
}

// Shutdown closes every session's connection; their handlers then drain.
func (s *StreamServer) Shutdown(ctx context.Context) {
	s.sessionsMu.RLock()
	for _, sess := range s.sessions {
		sess.ConnMu.Lock()
		sess.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		sess.ConnMu.Unlock()
		sess.Conn.Close()
	}
	s.sessionsMu.RUnlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.GetActiveSessionCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// chainObservers calls every non-nil observer in order.
func chainObservers(observers ...sstv.Observer) sstv.Observer {
	var list []sstv.Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return func(ev sstv.Event) {
		for _, o := range list {
			o(ev)
		}
	}
}
