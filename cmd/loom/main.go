package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/orchestrator"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/tracing"
)

func main() {
	cmd := &cli.Command{
		Name:                  "loom",
		Usage:                 "Compile and run workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate a workflow definition file",
				ArgsUsage: "<workflow.json>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return runValidate(ctx, command)
				},
			},
			{
				Name:      "run",
				Usage:     "Run a workflow definition file to completion",
				ArgsUsage: "<workflow.json>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "max-retries",
						Usage:   "Retry budget for failed jobs",
						Value:   models.DefaultMaxRetries,
						Sources: cli.EnvVars("LOOM_MAX_RETRIES"),
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Usage:   "Abort the run after this duration",
						Value:   5 * time.Minute,
						Sources: cli.EnvVars("LOOM_RUN_TIMEOUT"),
					},
					&cli.BoolFlag{
						Name:    "tracing",
						Usage:   "Export OpenTelemetry traces",
						Sources: cli.EnvVars("LOOM_TRACING"),
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return runWorkflow(ctx, command)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	return doc, nil
}

func runValidate(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))
	logger := log.WithModule("loom")

	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("workflow file is required")
	}

	doc, err := loadDocument(path)
	if err != nil {
		return err
	}

	orc := orchestrator.New(logger, orchestrator.Config{})
	defer orc.Close()

	registerBuiltinAgents(logger, orc.Agents)

	workflow, err := orc.Compiler.CompileDocument(doc, orc.Agents)
	if err != nil {
		return fmt.Errorf("workflow is invalid: %w", err)
	}

	logger.InfoContext(ctx, "Workflow is valid",
		"workflow", workflow.Name,
		"steps", len(workflow.Steps),
		"execution_order", workflow.ExecutionOrder)

	return nil
}

func runWorkflow(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))
	logger := log.WithModule("loom")

	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("workflow file is required")
	}

	doc, err := loadDocument(path)
	if err != nil {
		return err
	}

	if command.Bool("tracing") {
		provider, tracingErr := tracing.Setup(ctx, "loom")
		if tracingErr != nil {
			return fmt.Errorf("failed to set up tracing: %w", tracingErr)
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if shutdownErr := provider.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Error("Failed to shut down tracer provider", "error", shutdownErr)
			}
		}()
	}

	orc := orchestrator.New(logger, orchestrator.Config{
		Engine: engine.Config{PollInterval: 25 * time.Millisecond},
	})
	defer orc.Close()

	registerBuiltinAgents(logger, orc.Agents)

	workflow, err := orc.Compiler.CompileDocument(doc, orc.Agents)
	if err != nil {
		return fmt.Errorf("workflow is invalid: %w", err)
	}

	job := models.NewJob("", workflow)
	job.MaxRetries = command.Int("max-retries")

	jobID, err := orc.Engine.SubmitJob(job)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Job submitted", "job_id", jobID, "workflow", workflow.Name)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deadline := time.NewTimer(command.Duration("timeout"))
	defer deadline.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			if cancelErr := orc.Engine.CancelJob(jobID); cancelErr != nil {
				logger.Error("Failed to cancel job", "job_id", jobID, "error", cancelErr)
			}

			return fmt.Errorf("run interrupted")
		case <-deadline.C:
			if cancelErr := orc.Engine.CancelJob(jobID); cancelErr != nil {
				logger.Error("Failed to cancel job", "job_id", jobID, "error", cancelErr)
			}

			return fmt.Errorf("run timed out after %s", command.Duration("timeout"))
		case <-ticker.C:
			job, statusErr := orc.Engine.GetJobStatus(jobID)
			if statusErr != nil {
				return statusErr
			}

			if !job.State.IsTerminal() {
				continue
			}

			return reportResult(logger, orc, job)
		}
	}
}

func reportResult(logger *slog.Logger, orc *orchestrator.Orchestrator, job *models.Job) error {
	summary := orc.Store.GetCorrelationData(job.ID)

	logger.Info("Job finished",
		"job_id", job.ID,
		"state", job.State,
		"completed_steps", summary.CompletedSteps,
		"retry_count", job.RetryCount)

	switch job.State {
	case models.JobStateCompleted:
		encoded, err := json.MarshalIndent(job.Results, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(encoded))

		return nil
	case models.JobStateCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	default:
		if _, ok := orc.Store.Get(job.ID, state.KeyJobError); ok {
			return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
		}

		return fmt.Errorf("job %s failed", job.ID)
	}
}
