package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// MQTTPublisher publishes decode events and metric snapshots
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// EventPayload is the JSON body of a decode event.
type EventPayload struct {
	Timestamp  int64   `json:"timestamp"`
	Session    string  `json:"session"`
	Event      string  `json:"event"`
	Mode       string  `json:"mode,omitempty"`
	VIS        uint8   `json:"vis,omitempty"`
	Line       int     `json:"line,omitempty"`
	Rows       int     `json:"rows,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Callsign   string  `json:"callsign,omitempty"`
	Error      string  `json:"error,omitempty"`
	StreamSec  float64 `json:"stream_sec"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	return "sstv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	// Load CA certificate if provided
	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	// Load client certificate and key if provided
	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("[MQTT] Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("[MQTT] Connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
	}, nil
}

// eventPayload maps a session event to its topic and body. Per-line events
// are not published; the second result is false for them.
func eventPayload(prefix, session string, ev sstv.Event, now time.Time) (string, EventPayload, bool) {
	if ev.Kind == sstv.EventLineDecoded || ev.Kind == sstv.EventSyncMissed {
		return "", EventPayload{}, false
	}
	p := EventPayload{
		Timestamp: now.Unix(),
		Session:   session,
		Event:     ev.Kind.String(),
		StreamSec: ev.TimeSec,
	}
	if ev.Mode != nil {
		p.Mode = ev.Mode.ShortName
		p.VIS = ev.Mode.VIS
	}
	switch ev.Kind {
	case sstv.EventSyncLocked, sstv.EventModeDetected:
		p.Confidence = ev.Confidence
	case sstv.EventImageComplete, sstv.EventSyncLost:
		p.Rows = ev.Rows
		p.Line = ev.Line
		p.Outcome = ev.Outcome.String()
	case sstv.EventFSKID:
		p.Callsign = ev.Text
	case sstv.EventVISError:
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
	}
	return fmt.Sprintf("%s/events/%s", prefix, p.Event), p, true
}

// Observer returns an sstv.Observer publishing events of one session.
func (mp *MQTTPublisher) Observer(session string) sstv.Observer {
	if mp == nil {
		return nil
	}
	return func(ev sstv.Event) {
		topic, payload, ok := eventPayload(mp.config.TopicPrefix, session, ev, time.Now())
		if !ok {
			return
		}
		mp.publishJSON(topic, payload)
	}
}

// publishJSON publishes asynchronously so a slow broker never stalls decoding.
func (mp *MQTTPublisher) publishJSON(topic string, v interface{}) {
	if mp == nil || !mp.client.IsConnected() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[MQTT] ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("[MQTT] ERROR: Failed to publish to %s: %v", topic, token.Error())
		}
	}()
}

// StartMetricsPublisher publishes metric snapshots until ctx is cancelled.
func (mp *MQTTPublisher) StartMetricsPublisher(ctx context.Context) {
	if mp.config.PublishInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("[MQTT] Metrics publisher started with %d second interval", mp.config.PublishInterval)
		for {
			select {
			case <-ctx.Done():
				log.Println("[MQTT] Metrics publisher stopped")
				return
			case <-ticker.C:
				mp.publishMetrics()
			}
		}
	}()
}

func (mp *MQTTPublisher) publishMetrics() {
	metrics, err := snapshotMetrics(mp.gatherer, "sstv_")
	if err != nil {
		log.Printf("[MQTT] ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}
	if len(metrics) == 0 {
		return
	}
	mp.publishJSON(mp.config.TopicPrefix+"/metrics", MetricPayload{Timestamp: time.Now().Unix(), Metrics: metrics})
}

// snapshotMetrics flattens the gathered families with the given prefix into
// name[_label_value...] keys.
func snapshotMetrics(gatherer prometheus.Gatherer, prefix string) (map[string]float64, error) {
	families, err := gatherer.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := name
			labels := m.GetLabel()
			sort.Slice(labels, func(i, j int) bool { return labels[i].GetName() < labels[j].GetName() })
			for _, l := range labels {
				key += "_" + l.GetName() + "_" + l.GetValue()
			}
			out[key] = value
		}
	}
	return out, nil
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleSum(), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp != nil && mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("[MQTT] Disconnected from broker")
	}
}
