// Package api serves the HTTP interface of a mint peer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fedmint/internal/logger"
	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/tiered"
	"fedmint/internal/wire"
)

const (
	// maxRequestSize bounds request bodies.
	maxRequestSize = 1 << 20

	// defaultIssueTimeout bounds one issuance when the client sets no deadline.
	defaultIssueTimeout = 30 * time.Second
)

// Issuer has a sign request signed by the federation.
type Issuer interface {
	Issue(ctx context.Context, req mint.SignRequest) (*mint.SigResponse, error)
}

// Status is the monitoring view of a peer.
type Status struct {
	Peer      peer.ID `json:"peer"`      // Peer is the local member
	Connected int     `json:"connected"` // Connected counts live member connections
	Pending   int     `json:"pending"`   // Pending counts tracked requests
	Delivered int     `json:"delivered"` // Delivered is the audit log length
}

// Config configures a Server.
type Config struct {
	Addr    string             // Addr is the HTTP listen address
	Issuer  Issuer             // Issuer signs requests
	Keys    *mint.PublicKeySet // Keys are published to clients and verify coins
	Status  func() Status      // Status reports peer state, may be nil
	Metrics http.Handler       // Metrics serves /metrics, may be nil
	Timeout time.Duration      // Timeout bounds one issuance
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config       // cfg is the server configuration
	server *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultIssueTimeout
	}

	return &Server{cfg: cfg}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sign", s.handleSign)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/keys", s.handleKeys)
	mux.HandleFunc("GET /v1/decompose/{amount}", s.handleDecompose)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.Timeout + 5*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSign handles POST /v1/sign with a SignRequestMsg body.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req, err := wire.DecodeSignRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sign request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	resp, err := s.cfg.Issuer.Issue(ctx, req)
	if err != nil {
		writeError(w, issueStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, NewSignResponse(resp))
}

// issueStatus maps an issuance error to an HTTP status.
func issueStatus(err error) int {
	var mintErr *mint.MintError

	switch {
	case errors.As(err, &mintErr) && mintErr.Kind == mint.ErrKindInternal:
		return http.StatusInternalServerError
	case errors.As(err, &mintErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, mint.ErrExpired):
		return http.StatusGatewayTimeout
	case errors.Is(err, mint.ErrInsufficientShares):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleVerify handles POST /v1/verify with {"coins": "<encoded coins>"}.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in VerifyRequest

	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	coins, err := mint.DecodeCoins(in.Coins)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid coins: %v", err))
		return
	}

	out := VerifyResponse{Valid: make([]bool, len(coins))}
	counted := make(map[mint.CoinNonce]struct{}, len(coins))

	for i, c := range coins {
		out.Valid[i] = c.Verify(s.cfg.Keys)
		if !out.Valid[i] {
			continue
		}

		// a coin repeated in the bundle is worth its tier once
		if _, dup := counted[c.Nonce]; dup {
			continue
		}

		counted[c.Nonce] = struct{}{}
		out.Total += uint64(c.Tier)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleKeys handles GET /v1/keys.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewKeysResponse(s.cfg.Keys))
}

// handleDecompose handles GET /v1/decompose/{amount}.
func (s *Server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseUint(r.PathValue("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	counts, err := s.cfg.Keys.Tiers().Decompose(tiered.Amount(amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make(map[string]int, len(counts))
	for tier, n := range counts {
		out[strconv.FormatUint(uint64(tier), 10)] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"amount": amount,
		"tiers":  out,
		"tokens": counts.Len(),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.cfg.Status())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
