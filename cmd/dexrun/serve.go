package main

import (
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dexrun/dexrun/internal/cache"
	"github.com/dexrun/dexrun/internal/config"
	"github.com/dexrun/dexrun/internal/engine"
	"github.com/dexrun/dexrun/internal/hub"
	httpapi "github.com/dexrun/dexrun/internal/interfaces/http"
	"github.com/dexrun/dexrun/internal/queue"
	"github.com/dexrun/dexrun/internal/router"
	"github.com/dexrun/dexrun/internal/store"
	"github.com/dexrun/dexrun/internal/store/postgres"
	"github.com/dexrun/dexrun/internal/venue"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	return cmd
}

// buildVenues registers the reference drivers, each behind a circuit
// breaker, honoring any per-venue overrides from the config.
func buildVenues(cfg config.Config) (*venue.Registry, error) {
	reg := venue.NewRegistry()
	drivers := []*venue.Sim{venue.NewRaydium(), venue.NewMeteora()}
	for _, d := range drivers {
		if vc, ok := cfg.Venues[d.Name()]; ok {
			d = venue.NewSim(venue.SimConfig{
				Name:      d.Name(),
				FeeRate:   decimal.NewFromFloat(vc.FeeRate),
				PriceMin:  vc.PriceMin,
				PriceMax:  vc.PriceMax,
				Liquidity: vc.Liquidity,
				DelayMin:  vc.DelayMin.D(),
				DelayMax:  vc.DelayMax.D(),
			})
		}
		if err := reg.Register(venue.WithBreaker(d)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func serve(cmd *cobra.Command, cfg config.Config) error {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	ctx := cmd.Context()

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.Postgres.Enabled {
		var err error
		st, err = postgres.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns, cfg.Postgres.QueryTimeout.D())
		if err != nil {
			return fmt.Errorf("store unavailable: %w", err)
		}
		log.Info().Msg("using postgres order store")
	} else {
		st = store.NewMemory()
		log.Warn().Msg("postgres disabled, using in-memory order store")
	}
	defer st.Close()

	// Cache and queue: Redis when configured, in-memory otherwise.
	var ca cache.Cache
	var q queue.Queue
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unavailable: %w", err)
		}
		ca = cache.NewRedis(rdb, cache.DefaultTTL)
		q = queue.NewRedis(rdb, cfg.Queue.VisibilityTimeout.D())
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis queue and cache")
	} else {
		ca = cache.NewMemory(cache.DefaultTTL)
		q = queue.NewMemory(cfg.Queue.VisibilityTimeout.D())
		log.Warn().Msg("redis disabled, using in-memory queue and cache")
	}
	defer ca.Close()

	reg, err := buildVenues(cfg)
	if err != nil {
		return err
	}
	rt := router.New(reg, 5*time.Second)
	hb := hub.New()

	processor := engine.New(st, ca, rt, reg, hb, engine.Config{
		MaxAttempts: cfg.Queue.MaxRetryAttempts,
	})
	pool := queue.NewPool(q, processor, queue.PoolConfig{
		Concurrency:   cfg.Queue.Concurrency,
		RatePerMinute: cfg.Queue.RatePerMinute,
		BaseDelay:     cfg.Queue.BaseDelay.D(),
		MaxDelay:      cfg.Queue.MaxDelay.D(),
	})
	pool.Start(ctx)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httpapi.Deps{
		Store: st,
		Cache: ca,
		Queue: q,
		Hub:   hb,
		Pool:  pool,
	})
	if err != nil {
		return err
	}

	err = server.Start(ctx)

	// Shutdown order: intake stopped above, now drain workers, close
	// subscribers, then the queue.
	pool.Wait()
	hb.CloseAll()
	q.Close()
	return err
}
