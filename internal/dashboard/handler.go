package dashboard

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ironwolf/localsync/internal/engine"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/reconcile"
	"github.com/ironwolf/localsync/internal/record"
)

// RecordChangeData describes one cache change.
type RecordChangeData struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Action     record.ChangeType `json:"action"`
	Origin     notify.Origin     `json:"origin"`
	SyncStatus record.SyncStatus `json:"sync_status,omitempty"`
}

// StatusData is the engine status plus change counters since start.
type StatusData struct {
	engine.Status
	Changes map[string]int `json:"changes"`
}

// SyncCompleteData summarizes a full reconciliation of one collection.
type SyncCompleteData struct {
	Collection     string        `json:"collection"`
	Applied        int           `json:"applied"`
	Deleted        int           `json:"deleted"`
	Unchanged      int           `json:"unchanged"`
	SkippedPending int           `json:"skipped_pending"`
	Duration       time.Duration `json:"duration"`
}

// StatusSource reports engine status. *engine.Engine implements it.
type StatusSource interface {
	SyncStatus() engine.Status
}

// Handler turns engine activity into dashboard messages.
type Handler struct {
	server *Server
	source StatusSource
	logger *log.Logger

	mu      sync.Mutex
	changes map[string]int
}

// NewHandler creates an event handler connected to a dashboard server. New
// clients are greeted with the current status.
func NewHandler(server *Server, source StatusSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server:  server,
		source:  source,
		logger:  logger,
		changes: make(map[string]int),
	}
	server.OnConnect(func() (Message, bool) {
		msg, err := h.statusMessage()
		if err != nil {
			h.logger.Printf("Failed to build status: %v", err)
			return Message{}, false
		}
		return msg, true
	})
	return h
}

// OnEvent broadcasts a record change. It has the notify.Callback signature
// so it can be subscribed to the engine directly.
func (h *Handler) OnEvent(ev notify.Event) error {
	h.mu.Lock()
	h.changes[string(ev.Type)]++
	h.mu.Unlock()

	msg, err := NewMessage(MessageTypeRecordChange, RecordChangeData{
		Collection: ev.Collection,
		ID:         ev.Record.ID,
		Action:     ev.Type,
		Origin:     ev.Origin,
		SyncStatus: ev.Record.SyncStatus,
	})
	if err != nil {
		return err
	}
	h.server.Broadcast(msg)
	return nil
}

// OnSyncComplete broadcasts the results of a reconciliation pass.
func (h *Handler) OnSyncComplete(results []*reconcile.Result) {
	for _, r := range results {
		if r == nil || r.Skipped {
			continue
		}
		msg, err := NewMessage(MessageTypeSyncComplete, SyncCompleteData{
			Collection:     r.Collection,
			Applied:        r.Applied,
			Deleted:        r.Deleted,
			Unchanged:      r.Unchanged,
			SkippedPending: r.SkippedPending,
			Duration:       r.Duration,
		})
		if err != nil {
			h.logger.Printf("Failed to build sync result: %v", err)
			continue
		}
		h.server.Broadcast(msg)
	}
}

// BroadcastStatus sends the current status to all clients.
func (h *Handler) BroadcastStatus() {
	msg, err := h.statusMessage()
	if err != nil {
		h.logger.Printf("Failed to build status: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

// Run broadcasts the status every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.BroadcastStatus()
		}
	}
}

// Changes returns the change counters by change type.
func (h *Handler) Changes() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.changes))
	for k, v := range h.changes {
		out[k] = v
	}
	return out
}

func (h *Handler) statusMessage() (Message, error) {
	data := StatusData{Changes: h.Changes()}
	if h.source != nil {
		data.Status = h.source.SyncStatus()
	}
	return NewMessage(MessageTypeStatus, data)
}
