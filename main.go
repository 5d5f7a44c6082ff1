package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv/fidelity"
)

// Version is reported by the server and pushed as a grouping label.
const Version = "1.0.0"

// Global debug flag
var DebugMode bool

const usage = `Usage: sstv [-config file] [-debug] <command> [options] [args]

Commands:
  decode  <input.wav>                 Decode an SSTV recording to PNG
  encode  <input.png> <output.wav>    Render an image as an SSTV transmission
  compare <decoded.png> <expected.png> Measure image fidelity
  serve                               Run the WebSocket decode server
  stream  <input.wav>                 Send a recording to a decode server
`

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := loadConfigOrDefault(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "decode":
		err = runDecode(config, args[1:])
	case "encode":
		err = runEncode(args[1:])
	case "compare":
		err = runCompare(args[1:])
	case "serve":
		err = runServe(config)
	case "stream":
		err = runStream(args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

// loadConfigOrDefault falls back to defaults when the file does not exist.
func loadConfigOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if DebugMode {
			log.Printf("No configuration file at %s, using defaults", path)
		}
		return DefaultAppConfig(), nil
	}
	return LoadConfig(path)
}

func runDecode(config *Config, args []string) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	outDir := fs.String("out", config.Output.Dir, "Directory for the decoded PNG")
	mode := fs.String("mode", config.Decoder.ForcedMode, "Force a mode and skip VIS (R36, PD120, PD180)")
	layout := fs.String("vis-layout", config.Decoder.VISLayout, "VIS framing: eight_bit or classic")
	redraw := fs.Bool("redraw", config.Decoder.Redraw, "Decode again with the fitted skew and phase")
	expected := fs.String("expected", "", "Compare the result with this image")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one input WAV file")
	}

	audio, err := ReadWAV(fs.Arg(0))
	if err != nil {
		return err
	}
	decCfg := config.Decoder
	decCfg.ForcedMode = *mode
	decCfg.VISLayout = *layout
	cfg, err := decCfg.SessionConfig(float64(audio.SampleRate), DebugMode)
	if err != nil {
		return err
	}
	log.Printf("[SSTV] Decoding %s: %d samples at %d Hz", fs.Arg(0), len(audio.Samples), audio.SampleRate)

	var metrics *PrometheusMetrics
	if config.Prometheus.Pushgateway.Enabled {
		metrics = NewPrometheusMetrics()
	}
	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		if mqttPub, err = NewMQTTPublisher(&config.MQTT, nil); err != nil {
			log.Printf("[MQTT] Publishing disabled: %v", err)
		}
		defer mqttPub.Disconnect()
	}

	runID := uuid.NewString()
	src := sstv.NewSliceSource(float64(audio.SampleRate), audio.Samples)
	buf := sstv.NewImageBuffer()
	start := time.Now()
	res, err := sstv.Decode(src, cfg, buf, chainObservers(metrics.Observe, mqttPub.Observer(runID)))
	if err != nil {
		return err
	}
	metrics.RecordResult(res, time.Since(start))

	if *redraw && res.Mode != nil && res.Outcome != sstv.OutcomeNoImage && cfg.AutoSkew {
		again := res.RedrawConfig(cfg)
		buf2 := sstv.NewImageBuffer()
		res2, err := sstv.Decode(src, again, buf2, nil)
		if err == nil && res2.RowsWritten >= res.RowsWritten {
			log.Printf("[SSTV] Redrawn with skew %.4f ms/line, phase %.3f ms", again.SkewMsPerLine, again.PhaseOffsetMs)
			res, buf = res2, buf2
		}
	}

	printResult(res)
	if config.Prometheus.Pushgateway.Enabled {
		if err := metrics.Push(config.Prometheus.Pushgateway); err != nil {
			log.Printf("[Prometheus] %v", err)
		}
	}
	if buf.Image() == nil {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("no image found")
	}
	if res.Outcome != sstv.OutcomeComplete && !config.Output.SavePartial && *expected == "" {
		log.Printf("[SSTV] Image ended early (%s); set output.save_partial to keep it", res.Outcome)
		return nil
	}

	path := OutputName(*outDir, res, time.Now(), runID[:8])
	if err := SavePNG(path, buf.Image()); err != nil {
		return err
	}
	log.Printf("[SSTV] Wrote %s", path)

	if *expected != "" {
		exp, err := LoadImage(*expected)
		if err != nil {
			return err
		}
		report, err := fidelity.Compare(buf.Image(), exp, fidelity.DefaultOptions())
		if err != nil {
			return err
		}
		printReport(report)
	}
	return nil
}

func printResult(res sstv.Result) {
	mode := "none"
	if res.Mode != nil {
		mode = res.Mode.Name
	}
	fmt.Printf("outcome:     %s\n", res.Outcome)
	fmt.Printf("mode:        %s\n", mode)
	if res.VIS != nil {
		fmt.Printf("vis:         0x%02X (confidence %.2f, shift %+.1f Hz)\n", res.VIS.Code, res.VIS.Confidence, res.VIS.ShiftHz)
	}
	fmt.Printf("lines:       %d (%d rows)\n", res.LinesDecoded, res.RowsWritten)
	fmt.Printf("sync:        confidence %.2f, %d misses\n", res.SyncConfidence, res.SyncMisses)
	fmt.Printf("timing:      phase %.3f ms, skew %.4f ms/line\n", res.Timing.PhaseOffsetMs, res.Timing.SkewMsPerLine)
	fmt.Printf("samples:     %d taken, %d clamped, %d low confidence\n", res.Stats.Samples, res.Stats.Clamped, res.Stats.LowConfidence)
	if res.FSKID != "" {
		fmt.Printf("callsign:    %s\n", res.FSKID)
	}
	if res.Err != nil {
		fmt.Printf("error:       %v\n", res.Err)
	}
}

func printReport(r fidelity.Report) {
	fmt.Printf("size:        %dx%d\n", r.Width, r.Height)
	fmt.Printf("psnr:        %.2f dB\n", r.PSNR)
	fmt.Printf("abs diff:    mean %.2f, max %.0f\n", r.MeanAbsDiff, r.MaxAbsDiff)
	fmt.Printf("correlation: %.4f (even rows %.4f, odd rows %.4f)\n", r.Correlation, r.EvenRowCorr, r.OddRowCorr)
	fmt.Printf("shift:       %+d px (r=%.3f), %+d rows (r=%.3f)\n", r.HShift, r.HShiftCorr, r.VShift, r.VShiftCorr)
	names := [3]string{"R", "G", "B"}
	for i := 0; i < 3; i++ {
		fmt.Printf("channel %s:   r=[%.3f %.3f %.3f] fit %.3f*x%+.1f (R2 %.3f)\n", names[i],
			r.Channels[i][0], r.Channels[i][1], r.Channels[i][2], r.Fit[i].Slope, r.Fit[i].Intercept, r.Fit[i].R2)
	}
}

func runEncode(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	modeName := fs.String("mode", "R36", "Mode to transmit (R36, PD120, PD180)")
	rate := fs.Int("rate", 11025, "Sample rate in Hz")
	callsign := fs.String("callsign", "", "Append an FSK callsign")
	layoutName := fs.String("vis-layout", "eight_bit", "VIS framing: eight_bit or classic")
	noVIS := fs.Bool("no-vis", false, "Omit the VIS header")
	lead := fs.Float64("lead-ms", 500, "Silence before the header")
	tail := fs.Float64("tail-ms", 500, "Silence after the image")
	shift := fs.Float64("shift-hz", 0, "Offset every tone (simulated mistuning)")
	ppm := fs.Float64("ppm", 0, "Transmitter clock error in parts per million")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("expected an input image and an output WAV file")
	}

	mode, err := sstv.ModeByName(*modeName)
	if err != nil {
		return err
	}
	layout, err := sstv.ParseVISLayout(*layoutName)
	if err != nil {
		return err
	}
	img, err := LoadImage(fs.Arg(0))
	if err != nil {
		return err
	}

	tx := sstv.Encode(mode, img, float64(*rate), sstv.EncodeOptions{
		Layout:        layout,
		NoVIS:         *noVIS,
		Callsign:      *callsign,
		LeadSilenceMs: *lead,
		TailSilenceMs: *tail,
		ShiftHz:       *shift,
		ClockErrorPPM: *ppm,
	})
	if err := WriteWAV(fs.Arg(1), *rate, tx.PCM()); err != nil {
		return err
	}
	log.Printf("[SSTV] Wrote %s: %s, %.1f s (image %.3f..%.3f s)", fs.Arg(1), mode.Name,
		float64(len(tx.Samples))/float64(*rate), tx.ImageStartSec, tx.ImageEndSec)
	return nil
}

func runCompare(args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	maxH := fs.Int("max-hshift", 20, "Horizontal shift search range in pixels")
	maxV := fs.Int("max-vshift", 10, "Vertical shift search range in rows")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("expected a decoded and an expected image")
	}

	var decoded, expected image.Image
	g := new(errgroup.Group)
	g.Go(func() (err error) {
		decoded, err = LoadImage(fs.Arg(0))
		return err
	})
	g.Go(func() (err error) {
		expected, err = LoadImage(fs.Arg(1))
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	report, err := fidelity.Compare(decoded, expected, fidelity.Options{MaxHShift: *maxH, MaxVShift: *maxV})
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runServe(config *Config) error {
	log.Printf("[Server] SSTV decode server %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled || config.MQTT.Enabled {
		metrics = NewPrometheusMetrics()
		metrics.StartResourceUpdater(ctx, 15*time.Second)
		metrics.StartPushgatewayWorker(ctx, config, time.Minute)
	}

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		var err error
		if mqttPub, err = NewMQTTPublisher(&config.MQTT, metrics.gatherer); err != nil {
			log.Printf("[MQTT] Publishing disabled: %v", err)
		} else {
			mqttPub.StartMetricsPublisher(ctx)
			defer mqttPub.Disconnect()
		}
	}

	registry := NewAudioExtensionRegistry()
	registerBuiltinExtensions(registry, config.Decoder.ExtensionParams())

	streams := NewStreamServer(config, registry, metrics, mqttPub, DebugMode)
	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: streams.Handler(),
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("[Server] Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		streams.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Server] Error closing server: %v", err)
		}
		cancel()
	}()

	log.Printf("[Server] Listening on %s", config.Server.Listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
