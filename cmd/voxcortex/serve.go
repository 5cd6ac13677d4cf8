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
	"sync"
	"syscall"
	"time"

	"github.com/vsenthil7/voxcortex/pkg/admin"
	"github.com/vsenthil7/voxcortex/pkg/bus"
	"github.com/vsenthil7/voxcortex/pkg/ingest"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
)

// runIngestCmd serves the ingest API until interrupted.
func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "listen address (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, "signalmesh")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Close()

	dispatch, cleanup, err := b.dispatcher(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	server := ingest.NewServer(ingest.ServerConfig{
		Events:   b.events,
		Audit:    b.auditLog,
		Dispatch: dispatch,
		Obs:      b.obs,
		Logger:   b.log,
	})

	listen := b.cfg.IngestAddr
	if *addr != "" {
		listen = *addr
	}
	fmt.Fprintf(stdout, "%sVoxCortex ingest listening on %s%s\n", ColorBold+ColorBlue, listen, ColorReset)
	return serveHTTP(ctx, b, listen, server.Handler(), stderr)
}

// runAdminCmd serves the read-only admin API until interrupted.
func runAdminCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("admin", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "listen address (overrides ADMIN_PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, "adminconsole")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Close()

	server := admin.NewServer(admin.ServerConfig{
		Audits:   b.audits,
		Evidence: b.evidenceRead,
		Obs:      b.obs,
		Logger:   b.log,
	})

	listen := b.cfg.AdminAddr
	if *addr != "" {
		listen = *addr
	}
	fmt.Fprintf(stdout, "%sVoxCortex admin listening on %s%s\n", ColorBold+ColorBlue, listen, ColorReset)
	return serveHTTP(ctx, b, listen, server.Handler(), stderr)
}

// runWorkerCmd consumes events off the bus until interrupted.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	concurrency := cmd.Int("concurrency", 1, "number of consumer goroutines")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *concurrency < 1 {
		fmt.Fprintln(stderr, "Error: --concurrency must be at least 1")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, "phase0_worker")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer b.Close()

	queue := bus.New(b.cfg.RedisAddr, b.cfg.QueueName, b.log)
	defer func() { _ = queue.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = queue.Ping(pingCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%sVoxCortex worker consuming %s (%d consumers)%s\n",
		ColorBold+ColorBlue, b.cfg.QueueName, *concurrency, ColorReset)

	handle := func(ctx context.Context, ev pipeline.CanonicalEvent) error {
		_, err := b.pipe.Process(ctx, ev)
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = queue.Consume(ctx, handle)
		}()
	}
	wg.Wait()
	b.log.Info("worker stopped")
	return 0
}

// dispatcher picks the hand-off path for accepted events: the Redis bus
// when pub/sub is enabled, the in-process pipeline otherwise.
func (b *backend) dispatcher(ctx context.Context) (ingest.DispatchFunc, func(), error) {
	if !b.cfg.EnablePubSub {
		return func(ctx context.Context, ev pipeline.CanonicalEvent) error {
			_, err := b.pipe.Process(ctx, ev)
			return err
		}, func() {}, nil
	}

	queue := bus.New(b.cfg.RedisAddr, b.cfg.QueueName, b.log)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queue.Ping(pingCtx); err != nil {
		_ = queue.Close()
		return nil, nil, err
	}
	b.log.Info("publishing to event bus", "addr", b.cfg.RedisAddr, "queue", b.cfg.QueueName)
	return queue.Publish, func() { _ = queue.Close() }, nil
}

// serveHTTP runs the handler until the context is cancelled, then drains
// in-flight requests.
func serveHTTP(ctx context.Context, b *backend, addr string, handler http.Handler, stderr io.Writer) int {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		b.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}
