package rpcnode

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dreamware/rankmatch/internal/cluster"
	"github.com/dreamware/rankmatch/internal/edge"
	"github.com/dreamware/rankmatch/internal/publish"
	"github.com/dreamware/rankmatch/internal/registry"
)

// Server exposes one node's registered workers and RequestHandler over
// HTTP, mirroring torua's cmd/node/main.go handlers (parse body, delegate
// to a component, map the result to a status code) one to one.
type Server struct {
	reg *registry.Registry
	hnd *edge.Handler
	pub *publish.Publisher
}

// NewServer constructs a Server.
func NewServer(reg *registry.Registry, hnd *edge.Handler, pub *publish.Publisher) *Server {
	return &Server{reg: reg, hnd: hnd, pub: pub}
}

// RegisterHandlers wires every RPC and edge route onto mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/rpc/peek_nearest", s.handlePeekNearest)
	mux.HandleFunc("/rpc/reserve", s.handleReserve)
	mux.HandleFunc("/rpc/enqueue", s.handleEnqueue)
	mux.HandleFunc("/match", s.handleAddRequest)
	mux.HandleFunc("/match/subscribe", s.handleSubscribe)
}

func (s *Server) lookup(w http.ResponseWriter, epoch int64, shardID string) (registry.WorkerRef, bool) {
	ref, ok := s.reg.Lookup(registry.Key{Epoch: epoch, ShardID: shardID})
	if !ok {
		http.Error(w, "shard not hosted here", http.StatusNotFound)
		return nil, false
	}
	return ref, true
}

func (s *Server) handlePeekNearest(w http.ResponseWriter, r *http.Request) {
	var req cluster.PeekNearestRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ref, ok := s.lookup(w, req.Epoch, req.ShardID)
	if !ok {
		return
	}
	reply, err := ref.PeekNearest(r.Context(), registry.PeekNearestRequest{
		Rank:          req.Rank,
		AllowedDiff:   req.AllowedDiff,
		ExcludeUserID: req.ExcludeUserID,
		Epoch:         req.Epoch,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, cluster.PeekNearestRPCReply{
		Ticket: cluster.TicketDTO{
			UserID:       reply.Ticket.UserID,
			Rank:         reply.Ticket.Rank,
			EnqueuedAtMS: reply.Ticket.EnqueuedAtMS,
		},
		Found:         reply.Found,
		EpochMismatch: reply.EpochMismatch,
	})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReserveRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ref, ok := s.lookup(w, req.Epoch, req.ShardID)
	if !ok {
		return
	}
	reply, err := ref.Reserve(r.Context(), registry.ReserveRequest{
		UserID:       req.UserID,
		Rank:         req.Rank,
		EnqueuedAtMS: req.EnqueuedAtMS,
		Epoch:        req.Epoch,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, cluster.ReserveRPCReply{
		Ticket: cluster.TicketDTO{
			UserID:       reply.Ticket.UserID,
			Rank:         reply.Ticket.Rank,
			EnqueuedAtMS: reply.Ticket.EnqueuedAtMS,
		},
		Status: reserveStatusToWire(reply.Status),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req cluster.EnqueueRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ref, ok := s.lookup(w, req.Epoch, req.ShardID)
	if !ok {
		return
	}
	reply, err := ref.Enqueue(r.Context(), registry.EnqueueRequest{
		Epoch:   req.Epoch,
		ShardID: req.ShardID,
		UserID:  req.UserID,
		Rank:    req.Rank,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, cluster.EnqueueRPCReply{Status: enqueueStatusToWire(reply.Status)})
}

func (s *Server) handleAddRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.AddRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	status, err := s.hnd.AddRequest(r.Context(), req.UserID, req.Rank)
	if err != nil && (errors.Is(err, edge.ErrEmptyUserID) || errors.Is(err, edge.ErrNegativeRank)) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cluster.AddRequestReplyDTO{Status: addRequestStatusToWire(status)})
}

// handleSubscribe long-polls for the next match involving user_id, as
// spec.md §4.10's subscribe_matches. One notification per response, mirroring
// a single long-poll cycle; the caller reconnects for the next one.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	ch, unsubscribe := s.pub.Subscribe(userID)
	defer unsubscribe()

	timeout := 30 * time.Second
	select {
	case n := <-ch:
		writeJSON(w, matchNotificationDTO(n))
	case <-time.After(timeout):
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

func matchNotificationDTO(n publish.Notification) cluster.MatchNotificationDTO {
	var dto cluster.MatchNotificationDTO
	for i, u := range n.Users {
		dto.Users[i].UserID = u.UserID
		dto.Users[i].Rank = u.Rank
	}
	return dto
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func reserveStatusToWire(s registry.ReserveStatus) string {
	switch s {
	case registry.Reserved:
		return "reserved"
	case registry.ReserveEpochMismatch:
		return "epoch_mismatch"
	default:
		return "not_found"
	}
}

func enqueueStatusToWire(s registry.EnqueueStatus) string {
	switch s {
	case registry.EnqueueOK:
		return "ok"
	case registry.EnqueueOutOfRange:
		return "out_of_range"
	case registry.EnqueueStaleEpoch:
		return "stale_epoch"
	default:
		return "overloaded"
	}
}

func addRequestStatusToWire(s edge.Status) string {
	switch s {
	case edge.OK:
		return "ok"
	case edge.EmptyUserID:
		return edge.ErrEmptyUserID.Error()
	case edge.NegativeRank:
		return edge.ErrNegativeRank.Error()
	case edge.AlreadyQueued:
		return "already_queued"
	case edge.ClaimIndexUnavailable:
		return "momentary interruption, try again"
	case edge.InvalidRank:
		return "invalid_rank"
	case edge.NoPartition:
		return "no_partition"
	case edge.StaleRoutingSnapshot:
		return "stale_routing_snapshot"
	case edge.NoWorker:
		return "no_worker"
	case edge.Overloaded:
		return "overloaded"
	case edge.OutOfRange:
		return "out_of_range"
	case edge.StaleEpoch:
		return "stale_epoch"
	case edge.Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}
