package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/germanamz/pagechat/pkg/bus"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/germanamz/pagechat/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// EnvAddr sets the default listen address.
const EnvAddr = "PAGECHAT_ADDR"

func runServe(ctx context.Context, args []string) error {
	fs := newFlagSet("serve", "[flags]", "Serve the message bus over HTTP and WebSocket.")
	g := registerGlobal(fs)
	addr := fs.String("addr", "", "listen address (default: $PAGECHAT_ADDR or 127.0.0.1:8787)")
	origins := fs.String("origins", "*", "comma-separated allowed CORS origins")
	_ = fs.Parse(args)

	opts, err := g.options()
	if err != nil {
		return err
	}

	if *addr == "" {
		*addr = os.Getenv(EnvAddr)
	}
	if *addr == "" {
		*addr = "127.0.0.1:8787"
	}

	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.ConfigFromEnv(version), a.log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	defer a.cache.Follow(a.settings)()

	janitor, err := reqcache.NewJanitor(a.cache, a.settings.GetString("cache.pruneSchedule", reqcache.DefaultPruneSchedule), a.log)
	if err != nil {
		return err
	}
	defer janitor.Follow(a.settings)()

	router := bus.NewRouter(a.log)
	bus.NewCore(a.asker, a.settings).Register(router)

	srv := &http.Server{
		Addr: *addr,
		Handler: bus.NewServer(router, a.asker,
			bus.WithLogger(a.log),
			bus.WithCache(a.cache),
			bus.WithAllowedOrigins(splitList(*origins)...),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		janitor.Start()
		<-ctx.Done()
		<-janitor.Stop().Done()
		return nil
	})

	eg.Go(func() error {
		a.log.Info().Str("addr", *addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return eg.Wait()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
