package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"nuha.dev/dmtp/internal/device/pgdir"
	"nuha.dev/dmtp/internal/dmtp"
	"nuha.dev/dmtp/internal/monitoring"
	"nuha.dev/dmtp/internal/server"
	"nuha.dev/dmtp/internal/sessreg"
	"nuha.dev/dmtp/internal/store"
	"nuha.dev/dmtp/internal/store/impl/logstore"
	"nuha.dev/dmtp/internal/store/impl/natsstore"
	"nuha.dev/dmtp/internal/store/impl/pgstore"
	"nuha.dev/dmtp/internal/sublist"
	"nuha.dev/dmtp/internal/util"
	"nuha.dev/dmtp/internal/webstream"
)

func main() {
	config_path := flag.String("config", "", "config file, default ./dmtpd.yaml or /etc/dmtp/dmtpd.yaml")
	hash_password := flag.String("hash_password", "", "print the bcrypt hash of a password and exit")
	gen_token := flag.Bool("gen_token", false, "print a random token and exit")
	flag.Parse()

	if *hash_password != "" {
		h, err := util.CryptPwd(*hash_password)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to hash password")
		}
		fmt.Println(h)
		return
	}
	if *gen_token {
		t, err := util.GenRandomString(24)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to generate token")
		}
		fmt.Println(t)
		return
	}

	cfg, err := loadConfig(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("dmtpd stopped")
	}
	log.Info().Msg("dmtpd stopped")
}

func run(ctx context.Context, cfg *Config) error {
	pool, err := pgxpool.Connect(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer pool.Close()

	pg := pgstore.NewStore(pool, &cfg.Store)
	pg.Run(ctx)
	defer pg.Close()

	var mirrors []store.EventStore
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("dmtpd-"+cfg.Gateway))
		if err != nil {
			return fmt.Errorf("unable to connect to nats: %w", err)
		}
		defer nc.Drain()
		mirrors = append(mirrors, natsstore.NewStore(nc))
	}
	if cfg.LogEvents {
		mirrors = append(mirrors, logstore.NewStore(log.DefaultLogger))
	}

	subs := sublist.NewSublistMap()
	opts := dmtp.Options{
		Directory: pgdir.New(pool),
		Store:     store.NewFanout(pg, mirrors...),
		Misc:      pgstore.NewMiscStore(pool),
		Sublist:   subs,
		Context:   ctx,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("unable to connect to redis: %w", err)
		}
		opts.Registry = sessreg.New(rdb, cfg.Gateway, cfg.SessionTTL)
	}

	srv := server.NewServer(&cfg.Server, dmtp.NewFactory(opts))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Webstream.ListenAddr != "" {
		ws := webstream.NewWebstream(subs, cfg.Webstream)
		g.Go(func() error {
			return ws.Run(gctx)
		})
	}
	if cfg.Monitoring.ListenAddr != "" {
		mon, err := monitoring.NewMonApi(srv, &cfg.Monitoring)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return mon.Run(gctx)
		})
	}
	return g.Wait()
}
