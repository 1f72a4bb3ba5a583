package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/warden/internal/collector/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	publisher Publisher
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// SetPublisher attaches a Publisher that receives every successfully
// ingested transition, fanning it out to connected WebSocket viewers. Safe
// to leave unset: a nil publisher silently disables live fan-out.
func (s *Server) SetPublisher(p Publisher) {
	s.publisher = p
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify
// liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// transitionWire is the JSON shape exchanged with warden's reporter on
// POST /api/v1/transitions.
type transitionWire struct {
	WatchName  string `json:"watch_name"`
	PID        int    `json:"pid"`
	From       string `json:"from"`
	To         string `json:"to"`
	Hostname   string `json:"hostname"`
	OccurredAt int64  `json:"occurred_at_us"`
}

// handlePostTransitions responds to POST /api/v1/transitions.
//
// The request body is a JSON array of transitionWire objects, matching the
// batch shape report.Reporter posts. Each accepted record is queued for
// batch insert under a host resolved (and upserted on first sight) by
// hostname. Returns HTTP 202 on success.
func (s *Server) handlePostTransitions(w http.ResponseWriter, r *http.Request) {
	var batch []transitionWire
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of transitions")
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one transition")
		return
	}

	now := time.Now().UTC()
	hostIDs := make(map[string]string, len(batch))

	for _, wire := range batch {
		if wire.Hostname == "" {
			writeError(w, http.StatusBadRequest, "transition missing hostname")
			return
		}
		if _, ok := hostIDs[wire.Hostname]; ok {
			continue
		}
		hostID, err := s.store.UpsertHost(r.Context(), storage.Host{
			HostID:   uuid.New().String(),
			Hostname: wire.Hostname,
			LastSeen: &now,
			Status:   storage.HostStatusOnline,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to upsert host")
			return
		}
		hostIDs[wire.Hostname] = hostID
	}

	for _, wire := range batch {
		hostID := hostIDs[wire.Hostname]
		t := storage.Transition{
			TransitionID: uuid.New().String(),
			HostID:       hostID,
			WatchName:    wire.WatchName,
			PID:          wire.PID,
			FromState:    wire.From,
			ToState:      wire.To,
			OccurredAt:   time.UnixMicro(wire.OccurredAt).UTC(),
			ReceivedAt:   now,
		}
		if err := s.store.BatchInsertTransitions(r.Context(), t); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to queue transition")
			return
		}
		if s.publisher != nil {
			s.publisher.Publish(t)
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleGetTransitions responds to GET /api/v1/transitions.
//
// Supported query parameters:
//
//	host_id    – exact host UUID filter (optional)
//	watch_name – exact watch name filter (optional)
//	from       – RFC3339 start of the received_at window (required)
//	to         – RFC3339 end of the received_at window (required)
//	limit      – maximum number of results (default 100, max 1000)
//	offset     – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Transition objects on success.
func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	tq := storage.TransitionQuery{
		From:      from,
		To:        to,
		HostID:    q.Get("host_id"),
		WatchName: q.Get("watch_name"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		tq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		tq.Offset = offset
	}

	transitions, err := s.store.QueryTransitions(r.Context(), tq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query transitions")
		return
	}
	if transitions == nil {
		transitions = []storage.Transition{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(transitions)
}

// handleGetHosts responds to GET /api/v1/hosts.
//
// Returns HTTP 200 with a JSON array of all registered Host objects
// ordered alphabetically by hostname.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}
	if hosts == nil {
		hosts = []storage.Host{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(hosts)
}
