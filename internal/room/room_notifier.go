package room

import (
	"runtime"
	"sync"

	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"go.uber.org/atomic"
)

type EventKind string

const (
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventRoomUpdated       EventKind = "room-updated"
)

type Event struct {
	Kind        EventKind
	Room        protocol.Room
	Participant *protocol.Participant
}

// ParallelExec will executes the given function with each element of vals, if len(vals) >= parallelThreshold,
// will execute them in parallel, with the given step size. So fn must be thread-safe.
func ParallelExec[T any](vals []T, parallelThreshold, step uint64, fn func(T)) {
	if uint64(len(vals)) < parallelThreshold {
		for _, v := range vals {
			fn(v)
		}
		return
	}

	start := atomic.NewUint64(0)
	end := uint64(len(vals))

	var wg sync.WaitGroup
	numCPU := runtime.NumCPU()
	wg.Add(numCPU)
	for p := 0; p < numCPU; p++ {
		go func() {
			defer wg.Done()
			for {
				n := start.Add(step)
				if n >= end+step {
					return
				}

				for i := n - step; i < n && i < end; i++ {
					fn(vals[i])
				}
			}
		}()
	}
	wg.Wait()
}

// RoomNotifier fans registry events out to registered listeners. Listeners
// must not block.
type RoomNotifier struct {
	listenersMu sync.Mutex
	listeners   map[string]func(Event)
}

func (n *RoomNotifier) Listen(id string, fn func(Event)) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners[id] = fn
}

func (n *RoomNotifier) Stop(id string) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	delete(n.listeners, id)
}

func (n *RoomNotifier) getListeners() (result []func(Event)) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	for _, listener := range n.listeners {
		result = append(result, listener)
	}
	return
}

func (n *RoomNotifier) Dispatch(ev Event) {
	var threshold uint64 = 1000
	var step uint64 = 2
	ParallelExec(n.getListeners(), threshold, step, func(fn func(Event)) {
		fn(ev)
	})
}

func NewRoomNotifier() *RoomNotifier {
	return &RoomNotifier{
		listeners: make(map[string]func(Event)),
	}
}
