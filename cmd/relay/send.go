package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/config"
)

// fileList collects repeated --file flags.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// runSend enqueues a one-off outbound message for the running daemon
// to deliver.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	dataDir := fs.String("data-dir", config.DataDir, "root of persisted state")
	var files fileList
	fs.Var(&files, "file", "file to attach (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: relay send <userId> [--file <path>]... [message]")
	}
	userID := rest[0]
	message := strings.Join(rest[1:], " ")
	if message == "" && len(files) == 0 {
		return fmt.Errorf("nothing to send: provide a message or at least one --file")
	}

	var refs []bus.FileRef
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("attachment %s: %w", path, err)
		}
		refs = append(refs, bus.FileRef{Path: path, Name: filepath.Base(path)})
	}

	store, err := bus.Open(config.EventStorePath(*dataDir))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		return err
	}

	id, err := store.Publish(ctx, bus.PublishInput{
		Type: bus.EventOutboundDMRequest,
		Lane: bus.LaneInteractive,
		Payload: bus.OutboundDMPayload{
			RequestID: uuid.Must(uuid.NewV7()).String(),
			Source:    bus.SourceManualSend,
			Text:      message,
			UserID:    userID,
			Files:     refs,
			Context:   "manual send",
		},
	})
	if err != nil {
		return err
	}

	slog.Info("send: queued", "event_id", id, "user_id", userID, "files", len(refs))
	fmt.Println(id)
	return nil
}
