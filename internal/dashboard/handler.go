package dashboard

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/reconcile"
	"github.com/clinicavet/vetsync/internal/schema"
	"github.com/clinicavet/vetsync/internal/stats"
)

// RecordData is one record as sent to screens.
type RecordData struct {
	Key string `json:"key"`
	*schema.Record
}

// FullRenderData replaces a collection's list.
type FullRenderData struct {
	Collection string       `json:"collection"`
	Records    []RecordData `json:"records"`
}

// PatchData updates one node.
type PatchData struct {
	Collection string     `json:"collection"`
	Record     RecordData `json:"record"`
}

// DismissData names the notification to hide.
type DismissData struct {
	ID string `json:"id"`
}

// ConnectivityData reports whether the store is reachable.
type ConnectivityData struct {
	Connected bool `json:"connected"`
}

// Handler turns engine output into dashboard messages. It is a
// reconcile.View for every collection, a notify.Notifier and a stats
// listener, and it remembers the latest state so new screens start from it.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu        sync.Mutex
	lists     map[schema.Kind]FullRenderData
	counts    []stats.Counts
	connected *bool
	transient map[string]notify.Notification
}

var (
	_ reconcile.View  = (*Handler)(nil)
	_ notify.Notifier = (*Handler)(nil)
)

// NewHandler creates a handler broadcasting through server and installs its
// welcome messages.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server:    server,
		logger:    logger.Named("dashboard"),
		lists:     make(map[schema.Kind]FullRenderData),
		transient: make(map[string]notify.Notification),
	}
	server.SetWelcome(h.Welcome)
	return h
}

func recordData(rec *schema.Record) RecordData {
	return RecordData{Key: rec.RemoteKey, Record: rec}
}

// FullRender implements reconcile.View.
func (h *Handler) FullRender(kind schema.Kind, records []*schema.Record) {
	data := FullRenderData{Collection: kind.Collection(), Records: make([]RecordData, len(records))}
	for i, rec := range records {
		data.Records[i] = recordData(rec)
	}

	h.mu.Lock()
	h.lists[kind] = data
	h.mu.Unlock()

	h.send(MessageTypeFullRender, data)
}

// PatchNode implements reconcile.View.
func (h *Handler) PatchNode(kind schema.Kind, rec *schema.Record) {
	h.mu.Lock()
	if list, ok := h.lists[kind]; ok {
		for i, r := range list.Records {
			if r.Key == rec.RemoteKey {
				list.Records[i] = recordData(rec)
				break
			}
		}
	}
	h.mu.Unlock()

	h.send(MessageTypePatch, PatchData{Collection: kind.Collection(), Record: recordData(rec)})
}

// Notify implements notify.Notifier.
func (h *Handler) Notify(n notify.Notification) {
	if n.Level == notify.LevelTransient && n.ID != "" {
		h.mu.Lock()
		h.transient[n.ID] = n
		h.mu.Unlock()
	}
	h.send(MessageTypeNotification, n)
}

// Dismiss implements notify.Notifier.
func (h *Handler) Dismiss(id string) {
	h.mu.Lock()
	delete(h.transient, id)
	h.mu.Unlock()
	h.send(MessageTypeDismiss, DismissData{ID: id})
}

// OnStats publishes new counters. Register it with stats.Collector.OnUpdate.
func (h *Handler) OnStats(counts []stats.Counts) {
	h.mu.Lock()
	h.counts = counts
	h.mu.Unlock()
	h.send(MessageTypeStats, counts)
}

// OnConnectivity publishes the connection state.
func (h *Handler) OnConnectivity(connected bool) {
	h.mu.Lock()
	h.connected = &connected
	h.mu.Unlock()
	h.send(MessageTypeConnectivity, ConnectivityData{Connected: connected})
}

// Welcome returns the messages that bring a new screen up to date: the
// connection state, every known list, active transient notifications and
// the counters.
func (h *Handler) Welcome() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Message
	add := func(t MessageType, v any) {
		if msg, ok := h.message(t, v); ok {
			out = append(out, msg)
		}
	}

	if h.connected != nil {
		add(MessageTypeConnectivity, ConnectivityData{Connected: *h.connected})
	}
	kinds := make([]string, 0, len(h.lists))
	for kind := range h.lists {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		add(MessageTypeFullRender, h.lists[schema.Kind(kind)])
	}
	for _, n := range h.transient {
		add(MessageTypeNotification, n)
	}
	add(MessageTypeStats, h.counts)
	return out
}

func (h *Handler) message(t MessageType, v any) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("type", string(t)), zap.Error(err))
		return Message{}, false
	}
	return Message{Type: t, Timestamp: time.Now(), Data: data}, true
}

func (h *Handler) send(t MessageType, v any) {
	if msg, ok := h.message(t, v); ok {
		h.server.Broadcast(msg)
	}
}
