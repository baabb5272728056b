package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/logging"
	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/server"
	"github.com/researchdesk/api/internal/service"
	"github.com/researchdesk/api/internal/worker"
)

// logPublisher prints progress events as log lines
type logPublisher struct {
	logger *zap.Logger
}

func (p logPublisher) Publish(evt model.ProgressEvent) {
	fields := []zap.Field{zap.String("status", evt.Status)}
	if step, ok := evt.Result["step"].(string); ok {
		fields = append(fields, zap.String("step", step))
	}
	if evt.Error != "" {
		fields = append(fields, zap.String("error", evt.Error))
	}
	p.logger.Info(evt.Message, fields...)
}

func runCMD() *cobra.Command {
	var req model.ResearchRequest
	var outPath string

	var run = &cobra.Command{
		Use:   "run <subject>",
		Short: "Run one research job in-process and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Subject = args[0]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Jobs.Backend = "memory"
			cfg.Postgres.Enabled = false

			logger, err := logging.New(cfg.Server.LogLevel, "development")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := server.NewStore(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			publisher := logPublisher{logger: logger.Named("progress")}
			providers := server.NewProviders(cfg)
			runner, err := server.NewRunner(store, server.NewPipelineEnv(cfg, providers.Search, providers.LLM, publisher, logger))
			if err != nil {
				return err
			}

			dispatcher := worker.NewLocalDispatcher(ctx, worker.NewResearchWorker(runner, logger.Named("worker")))
			svc := service.NewResearchService(store, dispatcher, publisher, logger.Named("service"))

			accepted, err := svc.StartResearch(ctx, &req)
			if err != nil {
				return err
			}
			dispatcher.Wait()

			job, err := svc.GetJob(context.WithoutCancel(ctx), accepted.JobID)
			if err != nil {
				return err
			}
			if job.Status != model.JobStatusCompleted || job.Result == nil {
				msg := "unknown error"
				if job.Error != nil {
					msg = *job.Error
				}
				return errors.New("research failed: " + msg)
			}

			if outPath == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), *job.Result)
				return err
			}
			if err := os.WriteFile(outPath, []byte(*job.Result), 0o644); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			logger.Info("Report written", zap.String("path", outPath))
			return nil
		},
	}
	run.Flags().StringVar(&req.SubjectURL, "url", "", "company website to ground the research")
	run.Flags().StringVar(&req.Industry, "industry", "", "industry of the subject")
	run.Flags().StringVar(&req.Location, "location", "", "headquarters location of the subject")
	run.Flags().StringVarP(&outPath, "out", "o", "", "write the report to a file instead of stdout")

	return run
}
