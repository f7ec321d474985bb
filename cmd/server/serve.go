package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/zonechat/internal/config"
	"github.com/christopherjohns/zonechat/internal/metrics"
	"github.com/christopherjohns/zonechat/internal/ratelimit"
	"github.com/christopherjohns/zonechat/internal/room"
	"github.com/christopherjohns/zonechat/internal/server"
	"github.com/christopherjohns/zonechat/internal/ws"
	"github.com/christopherjohns/zonechat/internal/zone"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}

		srv, cleanup, err := buildServer(ctx, cfg, addr)
		if err != nil {
			return err
		}
		defer cleanup()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Run)
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// buildServer wires the zone set, room registry, hub and limiter into a
// server. cleanup releases the Redis client when one was opened.
func buildServer(ctx context.Context, c *config.Config, addr string) (*server.Server, func(), error) {
	set, err := loadZones(c)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load zones")
	}
	zap.L().Info("zones loaded", zap.Int("count", set.Len()), zap.Strings("ids", set.IDs()))

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "register metrics")
	}

	registry := room.NewRegistry(roomDefinitions(c, set)...)
	conns := ws.NewConnManager(
		ws.WithMaxConns(c.WS.MaxConns),
		ws.WithIdleTimeout(c.WS.IdleTimeout),
	)
	hub := ws.NewHub(registry, ws.WithConnManager(conns), ws.WithMetrics(collector))

	limiter, cleanup, err := newLimiter(ctx, c)
	if err != nil {
		conns.Shutdown()
		return nil, nil, err
	}

	srv := server.New(addr, zone.NewResolver(set), hub,
		server.WithLimiter(limiter),
		server.WithMetrics(collector),
		server.WithAllowedOrigins(c.CORS.AllowedOrigins),
		server.WithHandlerOptions(ws.WithRateLimit(c.WS.MessagesPerSecond, c.WS.MessageBurst)),
	)
	return srv, cleanup, nil
}

// newLimiter returns a Redis-backed limiter when redis.addr is set and an
// in-process one otherwise.
func newLimiter(ctx context.Context, c *config.Config) (ratelimit.Limiter, func(), error) {
	max := c.RateLimit.ResolvePerMinute
	if c.Redis.Addr == "" {
		return ratelimit.NewIPLimiter(max, time.Minute), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrapf(err, "connect to redis at %s", c.Redis.Addr)
	}
	zap.L().Info("connected to redis", zap.String("addr", c.Redis.Addr))

	cleanup := func() {
		if err := rdb.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	return ratelimit.NewRedisLimiter(rdb, "resolve", max, time.Minute), cleanup, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
