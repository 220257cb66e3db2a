package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/core/types"
	"ledgerbridge/services/ledgerbridge/bridge"
	"ledgerbridge/services/ledgerbridge/models"
	"ledgerbridge/services/ledgerbridge/recon"
)

const maxRequestBody = 1 << 20

// Bridge is the subset of the bridge exposed over HTTP.
type Bridge interface {
	Submit(ctx context.Context, username string, account types.Account, function string, args []any) (*bridge.Result, error)
	Call(ctx context.Context, account types.Account, function string, args []any) (types.ReturnValue, error)
	Replay(ctx context.Context, txHash string) (*bridge.Result, error)
	Payables(ctx context.Context, username string) ([]models.Payable, error)
	Receivables(ctx context.Context, username string) ([]models.Receivable, error)
	Inventories(ctx context.Context, username string) ([]bridge.Listing, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Bridge        Bridge
	Authenticator *Authenticator
	Limiter       *SubmitLimiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Health reports readiness for GET /healthz.
	Health func(context.Context) error
	Logger *slog.Logger
}

// Server exposes the bridge over JSON HTTP.
type Server struct {
	bridge  Bridge
	auth    *Authenticator
	limiter *SubmitLimiter
	metrics http.Handler
	health  func(context.Context) error
	logger  *slog.Logger

	router http.Handler
}

// New constructs the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("server: bridge is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("server: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		bridge:  cfg.Bridge,
		auth:    cfg.Authenticator,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		health:  cfg.Health,
		logger:  logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "ledgerbridge")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.With(s.limiter.Middleware).Post("/sendtx", s.SendTx)
		protected.Post("/call", s.Call)
		protected.Post("/replay/{txHash}", s.Replay)
		protected.Get("/payables", s.Payables)
		protected.Get("/receivables", s.Receivables)
		protected.Get("/inventories", s.Inventories)
	})
	return r
}

type invokeRequest struct {
	Function string `json:"fn_name"`
	Args     []any  `json:"fn_args"`
}

type outcomeView struct {
	Index   int            `json:"index"`
	Event   string         `json:"event"`
	Status  recon.Status   `json:"status"`
	Effects []recon.Effect `json:"effects,omitempty"`
	Error   *errorBody     `json:"error,omitempty"`
}

type resultView struct {
	TxHash         string         `json:"tx_hash"`
	Returns        any            `json:"returns"`
	ReturnsSource  string         `json:"returns_source,omitempty"`
	Events         []events.Event `json:"events"`
	Reconciliation []outcomeView  `json:"reconciliation"`
}

// SendTx submits a state-changing function as the authenticated user.
func (s *Server) SendTx(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	req, err := decodeInvoke(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.bridge.Submit(r.Context(), principal.Username, principal.Account, req.Function, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderResult(result))
}

// Call evaluates a read-only function.
func (s *Server) Call(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	req, err := decodeInvoke(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ret, err := s.bridge.Call(r.Context(), principal.Account, req.Function, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": events.NormalizeValue(ret.Single())})
}

// Replay reconciles a previously broadcast transaction.
func (s *Server) Replay(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.Replay(r.Context(), chi.URLParam(r, "txHash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderResult(result))
}

// Payables lists the caller's payables.
func (s *Server) Payables(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	rows, err := s.bridge.Payables(r.Context(), principal.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"payable_id": row.PayableID, "created_at": row.CreatedAt.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payables": out})
}

// Receivables lists the caller's receivables.
func (s *Server) Receivables(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	rows, err := s.bridge.Receivables(r.Context(), principal.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"receivable_id": row.ReceivableID, "created_at": row.CreatedAt.UTC().Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"receivables": out})
}

// Inventories lists published inventory, filtered by the optional username
// query parameter.
func (s *Server) Inventories(w http.ResponseWriter, r *http.Request) {
	rows, err := s.bridge.Inventories(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventories": rows})
}

// Healthz reports liveness and, when configured, storage readiness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeInvoke(r *http.Request) (invokeRequest, error) {
	var req invokeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return req, lerrors.New(lerrors.KindInvalidArguments, "read request body: %v", err)
	}
	if len(body) > maxRequestBody {
		return req, lerrors.New(lerrors.KindInvalidArguments, "request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, lerrors.New(lerrors.KindInvalidArguments, "invalid JSON payload: %v", err)
	}
	req.Function = strings.TrimSpace(req.Function)
	if req.Function == "" {
		return req, lerrors.New(lerrors.KindInvalidArguments, "fn_name is required")
	}
	if req.Args == nil {
		req.Args = []any{}
	}
	return req, nil
}

func renderResult(result *bridge.Result) resultView {
	view := resultView{
		TxHash:         result.TxHash.Hex(),
		Returns:        events.NormalizeValue(result.Returns.Single()),
		ReturnsSource:  string(result.ReturnSource),
		Events:         result.Events,
		Reconciliation: make([]outcomeView, 0, len(result.Reconciliation)),
	}
	if view.Events == nil {
		view.Events = []events.Event{}
	}
	for _, outcome := range result.Reconciliation {
		ov := outcomeView{
			Index:   outcome.Index,
			Event:   outcome.Event,
			Status:  outcome.Status,
			Effects: outcome.Effects,
		}
		if outcome.Err != nil {
			ov.Error = &errorBody{Kind: string(lerrors.KindOf(outcome.Err)), Message: fmt.Sprint(outcome.Err)}
		}
		view.Reconciliation = append(view.Reconciliation, ov)
	}
	return view
}
