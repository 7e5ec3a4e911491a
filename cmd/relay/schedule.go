package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nevindra/relay/internal/agent"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/schedule"
)

// runSchedule runs one named schedule immediately and prints the
// agent's cleaned output. Useful for trying a prompt before wiring it
// to a cron.
func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	settingsPath := fs.String("settings", "settings.json", "path to the settings file")
	dataDir := fs.String("data-dir", config.DataDir, "root of persisted state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: relay schedule <name>")
	}
	name := fs.Arg(0)

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		return err
	}
	sc, ok := settings.FindSchedule(name)
	if !ok {
		return fmt.Errorf("schedule %q is not configured", name)
	}

	prompt := sc.Prompt
	if sc.PromptFile != "" {
		data, err := os.ReadFile(sc.PromptFile)
		if err != nil {
			return fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	gateway, err := buildGateway(settings, *dataDir, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway.Start(ctx)

	target := agent.MainSession()
	if sc.SessionMode == "isolated" {
		target = agent.IsolatedSession(sc.Name)
	}

	result, err := gateway.Send(ctx, agent.Request{
		Prompt:  prompt,
		Source:  "manual",
		Session: target,
	})
	if err != nil {
		return err
	}

	fmt.Println(schedule.StripThinkTags(result.Response))
	return nil
}
