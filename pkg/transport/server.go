// Package transport provides the result inbox of a leading site: an
// HTTP endpoint and a WebSocket stream through which participating sites
// submit their results. The inbox only correlates and forwards; the
// collector behind it owns acceptance. Delivery is serialized per
// submission by the collector's own locking, so concurrent transports
// are safe.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/openmedex/fedquery/pkg/collect"
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// Submission is one participant's result message: everything it has to
// say about the batch, under its correlation key. The key is the only
// authorization a responder carries.
type Submission struct {
	CorrelationKey string                   `json:"correlationKey"`
	Results        []feasibility.SiteResult `json:"results"`
}

// Ack is the inbox's answer to a websocket submission.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Inbox routes inbound submissions to the collector of their batch.
type Inbox struct {
	mu         sync.RWMutex
	collectors map[string]*collect.Collector
	upgrader   websocket.Upgrader
	log        *logging.Logger
}

// NewInbox creates an empty inbox.
func NewInbox(log *logging.Logger) *Inbox {
	if log == nil {
		log = logging.Default()
	}
	return &Inbox{
		collectors: make(map[string]*collect.Collector),
		log:        log.WithComponent("transport"),
	}
}

// Register attaches a batch's collector to the inbox.
func (in *Inbox) Register(batchID string, c *collect.Collector) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.collectors[batchID] = c
}

// Deregister detaches a terminal batch. Later submissions get 404,
// indistinguishable from a batch that never existed.
func (in *Inbox) Deregister(batchID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.collectors, batchID)
}

func (in *Inbox) collector(batchID string) (*collect.Collector, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	c, ok := in.collectors[batchID]
	return c, ok
}

// Router returns the inbox's HTTP routes.
func (in *Inbox) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/batches/{batch}/results", in.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/batches/{batch}/ws", in.handleWebSocket).Methods(http.MethodGet)
	return r
}

func (in *Inbox) handleSubmit(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch"]
	c, ok := in.collector(batchID)
	if !ok {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}

	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "malformed submission", http.StatusBadRequest)
		return
	}

	if err := c.RecordAll(sub.CorrelationKey, sub.Results); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (in *Inbox) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch"]
	c, ok := in.collector(batchID)
	if !ok {
		http.Error(w, "unknown batch", http.StatusNotFound)
		return
	}

	conn, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		in.log.Warn("websocket upgrade failed", map[string]any{"batch": batchID, "error": err.Error()})
		return
	}
	defer conn.Close()

	// One submission per message, acknowledged in order. The read loop
	// serializes this connection's deliveries.
	for {
		var sub Submission
		if err := conn.ReadJSON(&sub); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				in.log.Debug("websocket read ended", map[string]any{"batch": batchID, "error": err.Error()})
			}
			return
		}

		ack := Ack{Accepted: true}
		if err := c.RecordAll(sub.CorrelationKey, sub.Results); err != nil {
			ack = Ack{Accepted: false, Error: err.Error()}
		}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, feasibility.ErrUnknownCorrelationKey):
		return http.StatusNotFound
	case errors.Is(err, feasibility.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, feasibility.ErrBatchClosed):
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}
