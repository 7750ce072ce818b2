package runner

import (
	"context"
	"errors"
	"fmt"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/event-enricher/internal/app/geo"
	"github.com/ahrav/event-enricher/internal/app/product"
	"github.com/ahrav/event-enricher/internal/config"
	"github.com/ahrav/event-enricher/internal/domain/enrichment"
	"github.com/ahrav/event-enricher/internal/infra/archive"
	"github.com/ahrav/event-enricher/internal/infra/fetcher/browser"
	"github.com/ahrav/event-enricher/internal/infra/fetcher/httpfetch"
	"github.com/ahrav/event-enricher/internal/infra/geo/ip2location"
	mongosource "github.com/ahrav/event-enricher/internal/infra/source/mongo"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/timeutil"
)

// Geo resolves distinct client IPs to locations with a local IP2Location
// database.
func Geo() Pipeline {
	return Pipeline{
		Name:     config.PipelineGeo,
		KeyField: enrichment.KeyField(&enrichment.Location{}),
		Source: func(coll *mongod.Collection, cfg *config.Config, tracer trace.Tracer) enrichment.WorkSetSource {
			return mongosource.NewIPSource(coll, cfg.IPField, tracer)
		},
		Operation: func(ctx context.Context, cfg *config.Config, log *logger.Logger, _ trace.Tracer) (enrichment.Operation, func() error, error) {
			locator, err := ip2location.Open(cfg.GeoDatabasePath)
			if err != nil {
				return nil, nil, err
			}
			log.Info(ctx, "geolocation database opened", "path", cfg.GeoDatabasePath)
			return geo.Operation(locator, timeutil.Default()), locator.Close, nil
		},
	}
}

// Product crawls the pages of distinct viewed products and extracts their
// details.
func Product() Pipeline {
	return Pipeline{
		Name:     config.PipelineProduct,
		KeyField: enrichment.KeyField(&enrichment.Product{}),
		Source: func(coll *mongod.Collection, _ *config.Config, tracer trace.Tracer) enrichment.WorkSetSource {
			return mongosource.NewProductSource(coll, tracer)
		},
		Operation: productOperation,
	}
}

func productOperation(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
) (enrichment.Operation, func() error, error) {
	var (
		fetcher product.PageFetcher
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	switch cfg.Fetcher {
	case config.FetcherBrowser:
		session, err := browser.Start(ctx, browser.Config{
			ExecPath:        cfg.ChromePath,
			PageLoadTimeout: cfg.PageLoadTimeout,
			SettleDelay:     cfg.SettleDelay,
		}, log, tracer)
		if err != nil {
			return nil, nil, err
		}
		fetcher = session
		closers = append(closers, session.Close)
	default:
		fetcher = httpfetch.New(httpfetch.NewClient(cfg.PageLoadTimeout, otel.GetTracerProvider()), tracer)
	}

	var opts []product.Option
	if cfg.ArchiveDir != "" {
		archiver := archive.NewWARCArchiver(archive.Config{
			Directory: cfg.ArchiveDir,
			Prefix:    fmt.Sprintf("%s-", cfg.Pipeline),
			Compress:  true,
		}, tracer)
		opts = append(opts, product.WithArchiver(archiver))
		closers = append(closers, archiver.Close)
		log.Info(ctx, "archiving fetched pages", "dir", cfg.ArchiveDir)
	}

	return product.Operation(fetcher, log, opts...), closeAll, nil
}
