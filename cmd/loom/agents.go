package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/registry"
)

// registerBuiltinAgents installs the agents available to every workflow run
// from the command line.
func registerBuiltinAgents(logger *slog.Logger, agents *registry.Registry) {
	agents.RegisterAgent("log", func(ctx context.Context, inputs map[string]any) (any, error) {
		message, _ := inputs["message"].(string)
		if message == "" {
			message = "log step executed"
		}

		logger.InfoContext(ctx, "Log agent", "message", message)

		return map[string]any{"logged": message}, nil
	})

	agents.RegisterAgent("echo", func(_ context.Context, inputs map[string]any) (any, error) {
		return inputs, nil
	})

	agents.RegisterAgent("sleep", func(ctx context.Context, inputs map[string]any) (any, error) {
		duration := 100 * time.Millisecond

		if raw, ok := inputs["duration"].(string); ok {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid sleep duration %q: %w", raw, err)
			}

			duration = parsed
		}

		select {
		case <-time.After(duration):
			return map[string]any{"slept": duration.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
