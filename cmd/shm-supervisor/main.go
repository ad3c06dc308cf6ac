// Command shm-supervisor maps a shared-memory segment, formats it if asked to,
// and reclaims the chunks of participants whose process terminated. It serves
// Prometheus metrics on /metrics and health probes on /live and /ready.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/srediag/shmipc-core/adapter"
	"github.com/srediag/shmipc-core/internal/logging"
	"github.com/srediag/shmipc-core/pkg/config"
	"github.com/srediag/shmipc-core/pkg/ledger"
	"github.com/srediag/shmipc-core/pkg/shm"
	"github.com/srediag/shmipc-core/pkg/supervisor"
)

var (
	configPath = flag.String("config", "", "path to the TOML config file")
	create     = flag.Bool("create", false, "create and format the segment")
	remove     = flag.Bool("remove", false, "unlink the segment on exit")
	dump       = flag.Bool("dump", false, "print the participant table and ledgers, then exit")
)

var log = logging.New("shm-supervisor")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.SetLogLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.OpenOptions(*create)
	opts.Meter, opts.Tracer = adapter.Instrumentation()
	seg, err := shm.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer func() {
		if err := seg.Close(context.Background()); err != nil {
			log.Warnf("close segment: %v", err)
		}
		if *remove {
			if err := seg.Remove(); err != nil {
				log.Warnf("remove segment: %v", err)
			}
		}
	}()

	var views *shm.Views
	if *create {
		views, err = shm.FormatSegment(seg, cfg.Layout())
	} else {
		views, err = shm.AttachSegment(seg)
	}
	if err != nil {
		return err
	}
	defer views.Close()

	if *dump {
		return dumpSegment(os.Stdout, views)
	}

	sup := supervisor.New(views,
		supervisor.WithScanInterval(cfg.Supervisor.ScanInterval),
		supervisor.WithWorkers(cfg.Supervisor.Workers),
	)
	registry := sup.Metrics().Registry()
	registry.MustRegister(adapter.NewPoolCollector("shmipc", views.Chunks, views.Table))
	meter, _ := adapter.Instrumentation()
	if reg, err := adapter.RegisterPoolGauges(meter, views.Chunks); err != nil {
		log.Warnf("register pool gauges: %v", err)
	} else {
		defer func() { _ = reg.Unregister() }()
	}

	srv := &http.Server{
		Addr:              cfg.Supervisor.MetricsAddress,
		Handler:           adapter.NewMux(registry, sup.HealthHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics and health on %s", cfg.Supervisor.MetricsAddress)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func dumpSegment(w io.Writer, views *shm.Views) error {
	fmt.Fprintf(w, "segment %d %s size:%d\n", views.Segment.ID(), views.Segment.Path(), views.Segment.Size())
	for _, p := range views.Chunks.Pools() {
		fmt.Fprintf(w, "pool chunk_size:%d free:%d/%d\n", p.ChunkSize(), p.Free(), p.Count())
	}
	if err := views.Table.Dump(w); err != nil {
		return err
	}
	for _, slot := range views.Table.Slots() {
		l, err := ledger.Attach(views.LedgerBytes(slot.Index))
		if err != nil {
			fmt.Fprintf(w, "slot %d: %v\n", slot.Index, err)
			continue
		}
		fmt.Fprintf(w, "slot %d ", slot.Index)
		if err := l.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
