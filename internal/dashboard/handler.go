package dashboard

import (
	"log"
	"os"

	"github.com/goccy/go-json"

	"github.com/steveyegge/offsync/internal/events"
)

// Handler forwards bus events to a Server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler that broadcasts on server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes to every event on bus. The returned func detaches.
func (h *Handler) Attach(bus *events.Bus) func() {
	token := bus.SubscribeAll(h.OnEvent)
	return func() { bus.Unsubscribe(token) }
}

// OnEvent broadcasts e. The event is encoded on the publishing goroutine,
// so later changes to the records it points at are not seen by clients.
func (h *Handler) OnEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", e.Kind, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      string(e.Kind),
		Timestamp: e.Time,
		Data:      data,
	})
}
