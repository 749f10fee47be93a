// Command agentsecd is the agentsec ingestion daemon: it wires together the
// key store, event loop, worker pool, sender pool, housekeeping jobs, and
// the key-request client into one running process.
//
// Grounded on xtaci-kcptun/server/main.go's overall shape: a single
// urfave/cli.App with one Action that builds the config, logs a startup
// banner, wires every component, and blocks until shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/xtaci/agentsec/bus"
	"github.com/xtaci/agentsec/cipher"
	"github.com/xtaci/agentsec/config"
	"github.com/xtaci/agentsec/eventloop"
	"github.com/xtaci/agentsec/housekeeping"
	"github.com/xtaci/agentsec/keyfile"
	"github.com/xtaci/agentsec/keyrequest"
	"github.com/xtaci/agentsec/keystore"
	"github.com/xtaci/agentsec/metricsx"
	"github.com/xtaci/agentsec/netbuf"
	"github.com/xtaci/agentsec/notifier"
	"github.com/xtaci/agentsec/queue"
	"github.com/xtaci/agentsec/sender"
	"github.com/xtaci/agentsec/worker"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "agentsecd"
	app.Usage = "secure ingestion core for the agent-manager fleet"
	app.Version = VERSION
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.FromContext(c)
	if err := config.LoadEnvOverlay(&cfg, c.String("env-file")); err != nil {
		return errors.Wrap(err, "load env overlay")
	}
	if err := config.LoadJSONOverlay(&cfg, c.String("c")); err != nil {
		return errors.Wrap(err, "load json overlay")
	}
	if err := cfg.Validate(); err != nil {
		color.Red("invalid configuration: %v", err)
		return err
	}

	log := newLogger(cfg)
	log.Info().Str("version", VERSION).Msg("starting agentsecd")
	log.Info().
		Str("listen_tcp", cfg.ListenTCP).
		Str("listen_udp", cfg.ListenUDP).
		Str("protocol", string(cfg.Protocol)).
		Int("worker_pool", cfg.WorkerPool).
		Int("sender_pool", cfg.SenderPool).
		Int("queue_size", cfg.QueueSize).
		Int("key_update_interval", cfg.KeyUpdateInterval).
		Int("rids_closing_time", cfg.RidsClosingTime).
		Msg("configuration loaded")

	metrics := metricsx.New()
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("metrics_listen", cfg.MetricsListen).Msg("metrics endpoint enabled")
	}

	reader := keyfile.NewReader(cfg.KeyFile)
	store := keystore.New(log.With().Str("component", "keystore").Logger(), reader)
	if _, err := store.ReloadIfChanged(); err != nil {
		return errors.Wrap(err, "initial key load")
	}

	if err := os.MkdirAll(cfg.RidsDir, 0o750); err != nil {
		return errors.Wrap(err, "create rids dir")
	}

	notif, err := notifier.New()
	if err != nil {
		return errors.Wrap(err, "create notifier")
	}
	defer notif.Close()

	table := netbuf.New(cfg.MaxMessageSize, cfg.HighWaterMark)
	inbound := queue.NewBounded[worker.Message](cfg.QueueSize)
	senderJobs := queue.NewBounded[sender.Job](cfg.QueueSize)

	busClient := bus.New(log.With().Str("component", "bus").Logger(), cfg.BusPath)
	stop := make(chan struct{})
	if err := housekeeping.ConnectBusAtStartup(log, busClient, stop); err != nil {
		return errors.Wrap(err, "connect bus")
	}

	keyReqClient := keyrequest.New(log.With().Str("component", "keyrequest").Logger(), cfg.KeyRequestPath, cfg.QueueSize)

	loop := eventloop.New(
		log.With().Str("component", "eventloop").Logger(),
		eventloop.Config{
			ListenTCP:        cfg.ListenTCP,
			ListenUDP:        cfg.ListenUDP,
			EnableTCP:        cfg.Protocol == config.ProtoTCP || cfg.Protocol == config.ProtoBoth,
			EnableUDP:        cfg.Protocol == config.ProtoUDP || cfg.Protocol == config.ProtoBoth,
			MaxMessageSize:   cfg.MaxMessageSize,
			HighWaterMark:    cfg.HighWaterMark,
			EventWaitTimeout: time.Duration(cfg.EventWaitTimeoutMs) * time.Millisecond,
		},
		notif, table, store, inbound, senderJobs, metrics,
	)

	workerPool := worker.New(worker.Config{
		Log:       log.With().Str("component", "worker").Logger(),
		Inbound:   inbound,
		Store:     store,
		Decrypter: cipher.NewAEAD(),
		Closer:    loop,
		Bus:       busClient,
		Requester: keyReqClient,
		Sink:      controlSink{log: log.With().Str("component", "controlsink").Logger()},
		Ping:      loop,
		Metrics:   metrics,
		OpenRids:  keyfile.OpenRids(cfg.RidsDir),
		Stop:      stop,
	})

	senderPool := sender.New(log.With().Str("component", "sender").Logger(), senderJobs, table, notif, loop)

	keyReloader := housekeeping.NewKeyReloader(
		log.With().Str("component", "keyreloader").Logger(),
		store,
		time.Duration(cfg.KeyUpdateInterval)*time.Second,
		metrics,
	)
	ridsCloser := housekeeping.NewRidsCloser(
		log.With().Str("component", "ridscloser").Logger(),
		store,
		time.Duration(cfg.RidsClosingTime)*time.Second,
		time.Duration(cfg.RidsClosingTime)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info().Str("signal", s.String()).Msg("shutting down")
		close(stop)
		cancel()
	}()

	go workerPool.Run(ctx, cfg.WorkerPool)
	go senderPool.Run(ctx, cfg.SenderPool)
	go keyReloader.Run(ctx)
	go ridsCloser.Run(ctx)
	go keyReqClient.Run(ctx)

	return loop.Run(stop)
}

func newLogger(cfg config.Config) zerolog.Logger {
	out := os.Stderr
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			out = f
		}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Quiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// controlSink is the default ControlSink: accepted control messages are
// logged, not persisted. Real persistence is out of scope (spec §1).
type controlSink struct {
	log zerolog.Logger
}

func (s controlSink) SaveControlMessage(snap keystore.Snapshot, cleartext []byte) {
	s.log.Debug().Str("id", snap.ID).Int("bytes", len(cleartext)).Msg("control message accepted")
}
