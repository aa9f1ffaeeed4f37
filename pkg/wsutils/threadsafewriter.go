package wsutils

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ThreadSafeWriter struct {
	*websocket.Conn
	sync.Mutex

	id string
}

// ID is stable for the lifetime of the underlying connection. Reconnects
// produce a fresh writer with a fresh id.
func (t *ThreadSafeWriter) ID() string {
	return t.id
}

func (t *ThreadSafeWriter) WriteJSON(val any) error {
	t.Lock()
	defer t.Unlock()

	return t.Conn.WriteJSON(val)
}

func (t *ThreadSafeWriter) Close() error {
	return t.Conn.Close()
}

func (t *ThreadSafeWriter) ReadJSON(val any) error {
	return t.Conn.ReadJSON(val)
}

func NewThreadSafeWriter(conn *websocket.Conn) *ThreadSafeWriter {
	return &ThreadSafeWriter{
		Conn: conn,
		id:   uuid.NewString(),
	}
}
