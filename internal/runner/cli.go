package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ahrav/event-enricher/internal/config/fileloader"
	"github.com/ahrav/event-enricher/pkg/common"
	"github.com/ahrav/event-enricher/pkg/common/logger"
	"github.com/ahrav/event-enricher/pkg/common/otel"
)

// Exit codes beyond the ones returned by ExitCode.
const exitUsage = 2

// Execute is the body of a pipeline binary: it parses args, loads the
// configuration, runs the pipeline until it finishes or a signal arrives and
// returns the process exit code.
func Execute(p Pipeline, service string, args []string) int {
	flags := pflag.NewFlagSet(service, pflag.ContinueOnError)
	fileloader.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return exitUsage
	}
	configPath, _ := flags.GetString(fileloader.FlagConfig)
	reset, _ := flags.GetBool(fileloader.FlagReset)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := fileloader.NewFileLoader(p.Name, configPath, flags).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", service, err)
		return exitUsage
	}

	hostname, _ := os.Hostname()
	log := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.LogLevel), service, otel.GetTraceID, errorEvents(), map[string]string{
		"hostname": hostname,
		"pipeline": string(p.Name),
	})

	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      service,
		ExporterEndpoint: cfg.OTLPEndpoint,
		Probability:      1,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return 1
	}
	defer teardown(context.WithoutCancel(ctx))

	if cfg.DebugAddr != "" {
		go func() {
			log.Info(ctx, "debug server listening", "addr", cfg.DebugAddr)
			if err := common.RunDebugServer(cfg.DebugAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "debug server stopped", "error", err)
			}
		}()
	}

	log.Info(ctx, "starting run",
		"batch_size", cfg.BatchSize,
		"workers", cfg.Workers,
		"checkpoint_backend", cfg.CheckpointBackend,
		"reset", reset,
	)

	_, err = New(cfg, p, providers, log, WithReset(reset)).Run(ctx)
	code := ExitCode(err)
	if code == 130 {
		log.Warn(ctx, "run interrupted; rerun to resume", "error", err)
	}
	return code
}

// errorEvents echoes error records to stderr so they stand out from the JSON
// stream on stdout.
func errorEvents() logger.Events {
	return logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			attrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				attrs[k] = v
			}

			details, err := json.Marshal(attrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, details)
		},
	}
}
