package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tannerhall/fieldvalue/internal/cache"
	"github.com/tannerhall/fieldvalue/internal/config"
	"github.com/tannerhall/fieldvalue/internal/pipeline"
	"github.com/tannerhall/fieldvalue/internal/store"
	"github.com/tannerhall/fieldvalue/markov"
)

func main() {
	mode := flag.String("mode", "all", "value, availability, all, or show (print cached value tables)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Fatal("loading .env")
	}
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connecting to postgres")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migrating schema")
	}

	ch, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("connecting to redis")
	}
	defer ch.Close()

	p, err := pipeline.New(log, st, ch, cfg)
	if err != nil {
		log.WithError(err).Fatal("building pipeline")
	}

	switch *mode {
	case "value", "availability", "all", "show":
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	if *mode == "show" {
		if err := showValueTables(ctx, log, st, ch); err != nil {
			log.WithError(err).Fatal("reading cached value tables")
		}
		return
	}

	if *mode == "value" || *mode == "all" {
		if err := p.RunValue(ctx); err != nil {
			log.WithError(err).Fatal("value run failed")
		}
	}
	if *mode == "availability" || *mode == "all" {
		reports, err := p.RunAvailability(ctx)
		if err != nil {
			log.WithError(err).Fatal("availability run failed")
		}
		for subject, rep := range reports {
			log.WithFields(logrus.Fields{
				"subject":      subject,
				"horizon":      len(rep.Forecast.Risk),
				"initial_risk": rep.Forecast.Risk[0],
			}).Info("availability forecast ready")
		}
	}
	log.Info("done")
}

// showValueTables prints the cached expected value of every transient state
// per season, flagging seasons whose cache entry is stale or absent.
func showValueTables(ctx context.Context, log *logrus.Logger, st *store.Store, ch *cache.Cache) error {
	space, err := markov.NewBaseOutSpace()
	if err != nil {
		return err
	}
	seasons, err := st.Seasons(ctx)
	if err != nil {
		return err
	}
	for _, season := range seasons {
		vt, err := ch.GetValueTable(ctx, season, space)
		if err != nil {
			return err
		}
		if vt == nil {
			log.WithField("season", season).Warn("no cached value table, run -mode value first")
			continue
		}
		for s := 0; s < space.NumTransient(); s++ {
			log.WithFields(logrus.Fields{
				"season": season,
				"state":  space.Name(markov.Symbol(s)),
				"value":  vt.V[s],
			}).Info("expected runs to inning end")
		}
	}
	return nil
}
