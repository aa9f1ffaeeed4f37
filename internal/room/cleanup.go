package room

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/variables"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

type CleanupSchedulerConfig struct {
	Interval time.Duration
}

func NewCleanupSchedulerConfig() (CleanupSchedulerConfig, error) {
	interval, err := variables.ParseDuration(variables.Env(variables.CLEANUP_INTERVAL_NAME, variables.CLEANUP_INTERVAL_DEFAULT))
	if err != nil {
		return CleanupSchedulerConfig{}, err
	}
	return CleanupSchedulerConfig{Interval: interval}, nil
}

// CleanupScheduler periodically evicts expired participant records and idle
// rooms. It takes the same per-room lock as the registry's mutating
// operations, so a sweep never races a join.
type CleanupScheduler struct {
	service  *RoomService
	logger   *slog.Logger
	interval time.Duration
}

func (c *CleanupScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep walks every room once. Rooms are swept independently: a failure on
// one room must not abort the sweep of the others.
func (c *CleanupScheduler) Sweep() {
	s := c.service

	s.mu.RLock()
	rooms := make([]*roomContext, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	g := new(errgroup.Group)
	for _, r := range rooms {
		r := r
		g.Go(func() error {
			if err := c.sweepRoom(r); err != nil {
				c.logger.Error("room sweep failed",
					slog.String("room_id", r.room.ID),
					slog.String("err", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *CleanupScheduler) sweepRoom(r *roomContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panic: %v", p)
		}
	}()

	s := c.service
	expired, room, key, destroy := c.sweepRoomLocked(r)

	if expired > 0 {
		s.notifier.Dispatch(Event{Kind: EventRoomUpdated, Room: room})
	}

	if destroy {
		s.mu.Lock()
		delete(s.rooms, room.ID)
		delete(s.roomByKey, key)
		s.mu.Unlock()
		c.logger.Info("room destroyed", slog.String("room_id", room.ID))
	}

	return nil
}

// sweepRoomLocked holds the room lock for the whole mutation so a panic on
// one record cannot leave the room wedged.
func (c *CleanupScheduler) sweepRoomLocked(r *roomContext) (expired int, room protocol.Room, key string, destroy bool) {
	s := c.service
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []protocol.ParticipantID
	for id, p := range r.participants {
		if p.Connected {
			continue
		}
		if now.Sub(p.LastSeenAt) > s.config.ReconnectionWindow {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		delete(r.participants, id)
		s.tokens.Invalidate(id)
		c.logger.Debug("participant record expired",
			slog.String("room_id", r.room.ID),
			slog.String("participant_id", id))
	}

	if r.room.Active &&
		r.connectedCount() == 0 &&
		now.Sub(r.room.LastActivityAt) > s.config.InactivityTimeout {
		r.room.Active = false
		c.logger.Info("room marked inactive", slog.String("room_id", r.room.ID))
	}

	return len(stale), r.room, r.key, !r.room.Active && len(r.participants) == 0
}

type NewCleanupSchedulerParams struct {
	fx.In

	Service *RoomService
	Logger  *slog.Logger
	Config  CleanupSchedulerConfig
}

func NewCleanupScheduler(params NewCleanupSchedulerParams) *CleanupScheduler {
	return &CleanupScheduler{
		service:  params.Service,
		logger:   params.Logger,
		interval: params.Config.Interval,
	}
}

var CleanupModule = fx.Module("cleanup",
	fx.Provide(
		NewCleanupSchedulerConfig,
		NewCleanupScheduler,
	),
	fx.Invoke(func(lc fx.Lifecycle, scheduler *CleanupScheduler) {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go scheduler.Run(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
