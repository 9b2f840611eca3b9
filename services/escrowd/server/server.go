// Package server exposes the bid lifecycle over HTTP. Handlers translate the
// orchestrator's typed errors into status codes; they hold no business logic
// of their own.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freework/observability"
	"freework/services/escrowd/chainrpc"
	"freework/services/escrowd/models"
	"freework/services/escrowd/orchestrator"
	"freework/services/escrowd/store"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Node         chainrpc.NodeClient
	Logger       *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store *store.Store
	orc   *orchestrator.Orchestrator
	node  chainrpc.NodeClient
	log   *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store: cfg.Store,
		orc:   cfg.Orchestrator,
		node:  cfg.Node,
		log:   logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(observability.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/tasks", s.CreateTask)
		api.Get("/tasks/{id}", s.GetTask)
		api.Get("/tasks/{id}/bids", s.ListTaskBids)

		api.Post("/bids", s.CreateBid)
		api.Get("/bids/{id}", s.GetBid)
		api.Get("/clients/{id}/bids", s.ListClientBids)
		api.Get("/freelancers/{id}/bids", s.ListFreelancerBids)

		api.Post("/bids/{id}/send-contract", s.transitionHandler(s.orc.SendContract))
		api.Post("/bids/{id}/accept", s.transitionHandler(s.orc.AcceptJob))
		api.Post("/bids/{id}/manual-accept", s.transitionHandler(s.orc.SkipToManualAccept))
		api.Post("/bids/{id}/submit", s.SubmitWork)
		api.Post("/bids/{id}/approve", s.transitionHandler(s.orc.ApproveWork))
		api.Post("/bids/{id}/reject", s.transitionHandler(s.orc.RejectBid))

		api.Get("/contracts/{address}", s.GetContract)
		api.Post("/contracts/{address}/refund-expired", s.RefundExpired)
	})

	return r
}

// CreateTask registers a task so bids can be placed against it.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID uuid.UUID `json:"clientId"`
		Title    string    `json:"title"`
		Budget   string    `json:"budget"`
		Deadline time.Time `json:"deadline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ClientID == uuid.Nil || req.Deadline.IsZero() {
		http.Error(w, "clientId and deadline are required", http.StatusBadRequest)
		return
	}
	task, err := s.store.CreateTask(r.Context(), &models.Task{
		ClientID: req.ClientID,
		Title:    strings.TrimSpace(req.Title),
		Budget:   strings.TrimSpace(req.Budget),
		Deadline: req.Deadline.UTC(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// GetTask returns a task by identifier.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// CreateBid places a new pending bid on a task.
func (s *Server) CreateBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID            uuid.UUID `json:"taskId"`
		FreelancerID      uuid.UUID `json:"freelancerId"`
		FreelancerAddress string    `json:"freelancerAddress"`
		AmountFiat        string    `json:"amountFiat"`
		Message           string    `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.TaskID == uuid.Nil || req.FreelancerID == uuid.Nil {
		http.Error(w, "taskId and freelancerId are required", http.StatusBadRequest)
		return
	}
	task, err := s.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	bid, err := s.store.CreateBid(r.Context(), &models.Bid{
		TaskID:            task.ID,
		ClientID:          task.ClientID,
		FreelancerID:      req.FreelancerID,
		FreelancerAddress: strings.TrimSpace(req.FreelancerAddress),
		AmountFiat:        strings.TrimSpace(req.AmountFiat),
		Message:           req.Message,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bid)
}

// GetBid returns a bid by identifier.
func (s *Server) GetBid(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	bid, err := s.store.GetBid(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bid)
}

// ListTaskBids returns all bids placed on a task.
func (s *Server) ListTaskBids(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	bids, err := s.store.ListBidsByTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

// ListClientBids returns all bids on the client's tasks.
func (s *Server) ListClientBids(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	bids, err := s.store.ListBidsByClient(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

// ListFreelancerBids returns the freelancer's bids, optionally filtered by
// ?status=.
func (s *Server) ListFreelancerBids(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	status := models.BidStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	bids, err := s.store.ListBidsByFreelancer(r.Context(), id, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

// SubmitWork records the proof of work for an accepted bid.
func (s *Server) SubmitWork(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Proof string `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	bid, err := s.orc.SubmitWork(r.Context(), id, strings.TrimSpace(req.Proof))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bid)
}

// transitionHandler adapts a body-less orchestrator operation to a handler.
func (s *Server) transitionHandler(op func(ctx context.Context, id uuid.UUID) (*models.Bid, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.parseID(w, r, "id")
		if !ok {
			return
		}
		bid, err := op(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, bid)
	}
}

// GetContract proxies the on-chain escrow state for a deployed instance.
func (s *Server) GetContract(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	job, err := s.node.JobGet(r.Context(), address)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// RefundExpired triggers the expiry refund on a deployed instance. Anyone may
// call it; the contract itself enforces the deadline and terminal states.
func (s *Server) RefundExpired(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := s.node.JobRefund(r.Context(), address); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid identifier", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps orchestrator and store errors onto HTTP statuses: bad
// requests 400, funding shortfalls 409, missing records 404, chain rejections
// 502, reconciliation gaps 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation   *orchestrator.ValidationError
		insufficient *orchestrator.InsufficientFundsError
		rejection    *orchestrator.ChainRejectionError
		gap          *orchestrator.ReconciliationGapError
	)
	switch {
	case errors.As(err, &validation):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": validation.Reason})
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "insufficient funds in escrow wallet",
			"needWei": insufficient.Need.String(),
			"haveWei": insufficient.Have.String(),
		})
	case errors.As(err, &rejection):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": rejection.Error()})
	case errors.As(err, &gap):
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":           "contract call confirmed but record update failed; manual reconciliation required",
			"contractAddress": gap.ContractAddress,
		})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
	case errors.Is(err, store.ErrInvalidAmount):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a positive decimal"})
	default:
		s.log.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "error", err)
	}
}
