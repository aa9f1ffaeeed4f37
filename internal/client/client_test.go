package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/romashorodok/session-coordinator/internal/negotiation"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
)

type fakeCoordinatorServer struct {
	server *httptest.Server

	// frames received from the client after the join handshake.
	frames chan protocol.Frame
	// send pushes frames towards the client.
	send chan protocol.Frame

	response protocol.JoinResponse
	reject   string
}

func newFakeCoordinatorServer(t *testing.T, response protocol.JoinResponse) *fakeCoordinatorServer {
	t.Helper()

	f := &fakeCoordinatorServer{
		frames:   make(chan protocol.Frame, 64),
		send:     make(chan protocol.Frame, 16),
		response: response,
	}

	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frame := &protocol.Frame{}
		if err := conn.ReadJSON(frame); err != nil {
			return
		}
		if frame.Event != protocol.FrameEventJoin {
			return
		}

		if f.reject != "" {
			_ = conn.WriteJSON(&protocol.Frame{Event: protocol.FrameEventError, Data: f.reject})
			return
		}

		data, _ := json.Marshal(f.response)
		if err := conn.WriteJSON(&protocol.Frame{Event: protocol.FrameEventJoined, Data: string(data)}); err != nil {
			return
		}

		go func() {
			for frame := range f.send {
				frame := frame
				if err := conn.WriteJSON(&frame); err != nil {
					return
				}
			}
		}()

		for {
			frame := protocol.Frame{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
		}
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeCoordinatorServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeCoordinatorServer) waitFrame(t *testing.T, event string) protocol.Frame {
	t.Helper()
	deadline := time.After(time.Second * 5)
	for {
		select {
		case frame := <-f.frames:
			if frame.Event == event {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", event)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testResponse() protocol.JoinResponse {
	return protocol.JoinResponse{
		Room: protocol.Room{ID: "room-1", Capacity: 8, Active: true},
		Participant: protocol.Participant{
			ID:        "participant-a",
			RoomID:    "room-1",
			Connected: true,
			Creator:   true,
		},
		Participants: []protocol.Participant{
			{ID: "participant-a", RoomID: "room-1", Connected: true, Creator: true},
		},
		ReconnectionToken: "token-1",
	}
}

func testNegotiationConfig() negotiation.CoordinatorConfig {
	return negotiation.CoordinatorConfig{
		RetryCount:     1,
		BackoffBase:    time.Millisecond,
		AttemptTimeout: time.Second * 5,
	}
}

func TestDial(t *testing.T) {
	server := newFakeCoordinatorServer(t, testResponse())

	client, err := Dial(context.Background(), Config{
		ServerURL:   server.url(),
		RoomID:      "room-1",
		Identity:    "alice",
		DisplayName: "Alice",
		Negotiation: testNegotiationConfig(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Leave()

	if client.Room().ID != "room-1" {
		t.Fatalf("room=%q, want room-1", client.Room().ID)
	}
	if client.Self().ID != "participant-a" {
		t.Fatalf("self=%q, want participant-a", client.Self().ID)
	}
	if client.ReconnectionToken() != "token-1" {
		t.Fatalf("token=%q, want token-1", client.ReconnectionToken())
	}
}

func TestDialRejected(t *testing.T) {
	server := newFakeCoordinatorServer(t, protocol.JoinResponse{})
	server.reject = "room-full"

	_, err := Dial(context.Background(), Config{
		ServerURL:   server.url(),
		RoomID:      "room-1",
		Identity:    "alice",
		Negotiation: testNegotiationConfig(),
	}, testLogger())
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("err=%v, want ErrJoinRejected", err)
	}
}

// The joining client must initiate towards an already-present peer whose
// participant id sorts above its own.
func TestDialOffersToPresentPeer(t *testing.T) {
	response := testResponse()
	response.Participants = append(response.Participants, protocol.Participant{
		ID:        "participant-z",
		RoomID:    "room-1",
		Connected: true,
	})
	server := newFakeCoordinatorServer(t, response)

	client, err := Dial(context.Background(), Config{
		ServerURL:   server.url(),
		RoomID:      "room-1",
		Identity:    "alice",
		Negotiation: testNegotiationConfig(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Leave()

	frame := server.waitFrame(t, protocol.FrameEventOffer)

	var message protocol.SignalMessage
	if err := json.Unmarshal([]byte(frame.Data), &message); err != nil {
		t.Fatal(err)
	}
	if message.SenderID != "participant-a" || message.TargetID != "participant-z" {
		t.Fatalf("unexpected addressing %+v", message)
	}
	if message.Kind != protocol.SignalKindOffer {
		t.Fatalf("kind=%q, want offer", message.Kind)
	}
}

func TestRosterEventSpawnsLink(t *testing.T) {
	server := newFakeCoordinatorServer(t, testResponse())

	client, err := Dial(context.Background(), Config{
		ServerURL:   server.url(),
		RoomID:      "room-1",
		Identity:    "alice",
		Negotiation: testNegotiationConfig(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Leave()

	joined, _ := json.Marshal(protocol.Participant{
		ID:        "participant-z",
		RoomID:    "room-1",
		Connected: true,
	})
	server.send <- protocol.Frame{Event: protocol.FrameEventParticipantJoined, Data: string(joined)}

	server.waitFrame(t, protocol.FrameEventOffer)

	links := client.coordinator.Links()
	if len(links) != 1 || links[0].RemoteID() != "participant-z" {
		t.Fatalf("unexpected links %v", links)
	}
}

func TestLeave(t *testing.T) {
	server := newFakeCoordinatorServer(t, testResponse())

	client, err := Dial(context.Background(), Config{
		ServerURL:   server.url(),
		RoomID:      "room-1",
		Identity:    "alice",
		Negotiation: testNegotiationConfig(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	client.Leave()

	server.waitFrame(t, protocol.FrameEventLeave)
	select {
	case <-client.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("client must stop after leave")
	}
}
