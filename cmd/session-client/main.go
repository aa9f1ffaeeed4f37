package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/romashorodok/session-coordinator/internal/client"
	"github.com/romashorodok/session-coordinator/internal/negotiation"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/variables"
)

func main() {
	serverURL := variables.Env(variables.SERVER_URL_NAME, variables.SERVER_URL_DEFAULT)
	roomID := variables.Env(variables.ROOM_ID_NAME, variables.ROOM_ID_DEFAULT)
	identity := variables.Env(variables.IDENTITY_NAME, variables.IDENTITY_DEFAULT)
	displayName := variables.Env(variables.DISPLAY_NAME_NAME, variables.DISPLAY_NAME_DEFAULT)

	if roomID == "" {
		log.Fatalf("%s is required", variables.ROOM_ID_NAME)
	}
	if identity == "" {
		log.Fatalf("%s is required", variables.IDENTITY_NAME)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	negotiationConfig, err := negotiation.NewCoordinatorConfig()
	if err != nil {
		log.Fatal(err)
	}

	c, err := client.Dial(context.Background(), client.Config{
		ServerURL:   serverURL,
		RoomID:      roomID,
		Identity:    identity,
		DisplayName: displayName,
		Negotiation: negotiationConfig,
		OnLinkState: func(remote protocol.ParticipantID, state negotiation.LinkState) {
			logger.Info("peer link state",
				slog.String("remote_id", remote),
				slog.String("state", state.String()))
		},
		OnLinkTerminated: func(remote protocol.ParticipantID) {
			logger.Warn("peer link terminated", slog.String("remote_id", remote))
		},
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	logger.Info("joined room",
		slog.String("room_id", c.Room().ID),
		slog.String("participant_id", c.Self().ID))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		c.Leave()
	case <-c.Done():
	}
}
