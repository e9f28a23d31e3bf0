// Package main provides the multiplayer relay server for the voxel sandbox.
// It accepts WebSocket clients, fans out presence, movement and block edits, and
// optionally mirrors relay events to Redis and PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/voxel-relay/internal/config"
	"github.com/cory-johannsen/voxel-relay/internal/frontend/websocket"
	"github.com/cory-johannsen/voxel-relay/internal/journal"
	"github.com/cory-johannsen/voxel-relay/internal/observability"
	"github.com/cory-johannsen/voxel-relay/internal/relay"
	"github.com/cory-johannsen/voxel-relay/internal/server"
	"github.com/cory-johannsen/voxel-relay/internal/storage/postgres"
)

const dbHealthInterval = 30 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file (empty for defaults and environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	instanceID := uuid.NewString()
	logger, err := observability.NewLogger(cfg.Logging, instanceID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting voxel relay",
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("websocket_path", cfg.WebSocket.Path),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("database", cfg.Database.Enabled),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	var sinks []journal.Sink

	// Connect to Redis
	if cfg.Redis.Enabled {
		redisStart := time.Now()
		rdb, err := journal.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		defer rdb.Close()
		sinks = append(sinks, journal.NewRedisSink(rdb, cfg.Redis.Channel))
		logger.Info("redis connected",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel),
			zap.Duration("elapsed", time.Since(redisStart)),
		)
	}

	// Connect to PostgreSQL
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		sessionLog := postgres.NewSessionLog(pool.DB())
		var closed int64
		if cfg.Database.CloseOrphans {
			closed, err = sessionLog.CloseOrphans(ctx, instanceID, time.Now())
			if err != nil {
				logger.Warn("closing orphaned sessions", zap.Error(err))
			}
		} else {
			logger.Info("skipping orphaned session cleanup", zap.String("reason", "database.close_orphans is false"))
		}
		sinks = append(sinks, sessionLog)
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Int64("orphans_closed", closed),
			zap.Duration("elapsed", time.Since(dbStart)),
		)

		watchCtx, cancelWatch := context.WithCancel(ctx)
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				pool.Watch(watchCtx, dbHealthInterval, logger)
				return nil
			},
			StopFn: func() {
				cancelWatch()
				pool.Close()
			},
		})
	}

	// Build services
	events := journal.New(cfg.Journal, instanceID, logger, sinks...)
	sessions := relay.New(cfg.WebSocket.OutboxSize, logger, relay.WithRecorder(events))
	acceptor := websocket.NewAcceptor(cfg.WebSocket, sessions, logger)

	lifecycle.Add("journal", &server.FuncService{
		StartFn: func() error {
			return events.Run(ctx)
		},
		StopFn: func() {
			events.Stop()
		},
	})

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: func() error {
			return acceptor.ListenAndServe()
		},
		StopFn: func() {
			acceptor.Stop()
		},
	})

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("journal_sinks", len(sinks)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
