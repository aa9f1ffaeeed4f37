package main

import (
	"github.com/romashorodok/session-coordinator/internal/reconnect"
	"github.com/romashorodok/session-coordinator/internal/relay"
	"github.com/romashorodok/session-coordinator/internal/room"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/service"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		fx.Provide(
			room.NewRoomServiceConfig,
			room.NewRoomNotifier,
			room.NewRoomService,

			reconnect.NewTokenServiceConfig,
			reconnect.NewTokenService,
			func(s *reconnect.TokenService) room.ReconnectionTokens { return s },

			func(s *room.RoomService) relay.Membership { return s },
			relay.NewRelay,

			protocol.AsHttpController(room.NewRoomController),
		),

		service.LoggerModule,
		service.WebrtcModule,
		room.CleanupModule,
		service.HttpModule,
	).Run()
}
