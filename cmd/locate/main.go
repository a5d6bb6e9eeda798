// Command locate reads anchor ranging reports from a tag, solves the tag's
// position and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/api"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/locator"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/position"
	"github.com/banshee-data/position.report/internal/serialmux"
	"github.com/banshee-data/position.report/internal/sim"
	"github.com/banshee-data/position.report/internal/version"
)

var (
	configPath     = flag.String("config", "", "Path to a .json or .toml config file")
	source         = flag.String("source", "", "Transport: serial, socket, replay or sim (overrides config)")
	port           = flag.String("port", "", "Serial device path (overrides config)")
	baud           = flag.Int("baud", 0, "Serial baud rate (overrides config)")
	socketListen   = flag.String("socket-listen", "", "TCP address to accept the tag on for the socket source (overrides config)")
	replayPath     = flag.String("replay", "", "Fixture file for the replay source (overrides config)")
	replayInterval = flag.Duration("replay-interval", 0, "Delay between replayed lines (overrides config)")
	replayLoop     = flag.Bool("replay-loop", false, "Restart the replay file when it ends")
	simFormat      = flag.String("sim-format", "", "Wire dialect of the simulated tag: ranging, json or direct (overrides config)")
	cycleTimeout   = flag.Duration("cycle-timeout", 0, "Discard partial ranging cycles older than this (overrides config)")
	dbPath         = flag.String("db", "", "SQLite database path (overrides config)")
	listen         = flag.String("listen", "", "HTTP listen address (overrides config)")
	quiet          = flag.Bool("quiet", false, "Suppress per-frame diagnostics")
	showVersion    = flag.Bool("version", false, "Print version and exit")
	listPorts      = flag.Bool("list-ports", false, "List serial ports and exit")
)

// openSerial is swapped in tests.
var openSerial serialmux.Opener = serialmux.OpenSerial

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig(*configPath, flag.CommandLine)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		var terr *locator.TransportError
		if errors.As(err, &terr) {
			log.Printf("shutting down: %v", terr)
		} else {
			log.Printf("error: %v", err)
		}
		stop()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, when set, and applies every flag given on the
// command line on top of it.
func loadConfig(path string, fs *flag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source":
			cfg.Source = source
		case "port":
			serialConfig(cfg).Port = *port
		case "baud":
			serialConfig(cfg).Options.BaudRate = *baud
		case "socket-listen":
			cfg.SocketListen = socketListen
		case "replay":
			cfg.ReplayPath = replayPath
		case "replay-interval":
			cfg.ReplayInterval = durationString(*replayInterval)
		case "sim-format":
			if cfg.Sim == nil {
				cfg.Sim = &config.SimConfig{}
			}
			cfg.Sim.Format = simFormat
		case "cycle-timeout":
			cfg.CycleTimeout = durationString(*cycleTimeout)
		case "db":
			cfg.DBPath = dbPath
		case "listen":
			cfg.Listen = listen
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serialConfig(cfg *config.Config) *config.SerialConfig {
	if cfg.Serial == nil {
		cfg.Serial = &config.SerialConfig{}
	}
	return cfg.Serial
}

func durationString(d time.Duration) *string {
	s := d.String()
	return &s
}

// run wires the pipeline and blocks until ctx is cancelled or the transport
// fails.
func run(ctx context.Context, cfg *config.Config) error {
	log.Printf("starting %s", version.String())

	layout, err := cfg.Layout()
	if err != nil {
		return err
	}

	metrics, err := monitoring.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	d, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer d.Close()

	sessionID, err := d.StartSession(cfg.GetSource(), layout, time.Now())
	if err != nil {
		return err
	}
	defer func() {
		if err := d.EndSession(sessionID, time.Now()); err != nil {
			log.Printf("failed to end session %s: %v", sessionID, err)
		}
	}()

	stream := position.NewStream(cfg.GetPublishTimeout())
	defer stream.Close()

	recorder := db.NewRecorder(d, sessionID)
	recorder.Attach(stream, 64)
	defer func() {
		recorder.Detach()
		log.Printf("session %s: recorded %d positions (%d failed)", sessionID, recorder.Written(), recorder.Failed())
	}()

	transport, err := openTransport(ctx, cfg, layout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	tap := serialmux.NewTap(transport)
	defer tap.Close()

	loc, err := locator.New(transport, stream, locator.Config{
		Layout:       layout,
		Required:     cfg.GetRequiredAnchors(layout),
		Bounds:       cfg.Bounds,
		PollInterval: cfg.GetPollInterval(),
		CycleTimeout: cfg.GetCycleTimeout(),
		Metrics:      metrics,
		Tap:          tap,
	})
	if err != nil {
		transport.Close()
		return err
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Config{
			Layout:  layout,
			Stream:  stream,
			DB:      d,
			Stats:   func() any { return loc.Stats() },
			Metrics: metrics,
		}).ServeMux()
		tap.AttachAdminRoutes(mux)
		if err := d.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server failed: %v", err)
				cancel()
			}
		}()
		log.Printf("serving HTTP on %s", cfg.GetListen())

		<-srvCtx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	log.Printf("locating from %s source (session %s)", cfg.GetSource(), sessionID)
	err = loc.Run(srvCtx)
	cancel()
	wg.Wait()

	s := loc.Stats()
	log.Printf("locator stopped: %d cycles, %d positions published, %d parse errors",
		s.Cycles.Completed, s.Published, sum(s.ParseErrors))
	return err
}

// openTransport opens the byte source named by the configuration. The socket
// source blocks until a client connects or ctx is cancelled.
func openTransport(ctx context.Context, cfg *config.Config, layout *anchors.Layout) (serialmux.SerialPorter, error) {
	switch src := cfg.GetSource(); src {
	case config.SourceSerial:
		opts := cfg.GetSerialOptions()
		p, err := openSerial(cfg.GetSerialPort(), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.GetSerialPort(), err)
		}
		log.Printf("opened %s at %s", cfg.GetSerialPort(), opts)
		return p, nil

	case config.SourceSocket:
		ln, err := serialmux.ListenSocket(cfg.GetSocketListen())
		if err != nil {
			return nil, err
		}
		log.Printf("waiting for tag connection on %s", ln.Addr())
		p, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		log.Printf("tag connected from %s", p.RemoteAddr())
		return p, nil

	case config.SourceReplay:
		path := cfg.GetReplayPath()
		if path == "" {
			return nil, errors.New("replay source needs a replay path")
		}
		p, err := serialmux.OpenReplay(path, cfg.GetReplayInterval())
		if err != nil {
			return nil, err
		}
		p.Loop = *replayLoop
		log.Printf("replaying %d lines from %s", p.Lines(), path)
		return p, nil

	case config.SourceSim:
		sc := sim.DefaultConfig(layout)
		sc.Format = sim.Format(cfg.GetSimFormat())
		sc.Noise = cfg.GetSimNoise()
		sc.Period = cfg.GetSimPeriod()
		tag, err := sim.New(layout, sc, nil)
		if err != nil {
			return nil, err
		}
		log.Printf("simulating a %s tag circling (%.2f, %.2f) r=%.2fm", sc.Format, sc.Center.X, sc.Center.Y, sc.Radius)
		return tag, nil

	default:
		return nil, fmt.Errorf("unknown source %q", src)
	}
}

func sum(m map[string]uint64) uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}
