package core

// server.go is the inbound P2P HTTP server (spec §4.2, §6): the URL
// surface every peer exposes for propositions, acceptances, commitment
// co-signing, trade exchange and settlement. Grounded on the teacher's
// APINode (api_node.go) for the http.Server lifecycle and JSON-response
// idiom, routed with go-chi/chi (declared but never imported by the
// teacher) since the route surface here needs path parameters
// (/p2p/trades/{betID}) that chi expresses more directly than
// api_node.go's manual strings.TrimPrefix parsing.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PeerRegistry is the subset of peer bookkeeping the server needs to
// authorize inbound requests: the sender must be a currently registered,
// active bot.
type PeerRegistry interface {
	IsActiveBot(ctx context.Context, addr Address) bool
}

// TradeStore persists trade lists received via POST /p2p/trades, keyed by
// bet ID, for later retrieval by the counterparty or the settlement
// coordinator.
type TradeStore interface {
	StoreTrades(betID string, trades []Trade) error
	LoadTrades(betID string) ([]Trade, bool)
}

// SettlementHandler is implemented by the settlement coordinator (settlement.go)
// and invoked by POST /p2p/propose-settlement.
type SettlementHandler interface {
	HandleIncomingProposal(ctx context.Context, p SettlementProposal) (SettlementResponse, error)
	LocalReadiness(betID string) (SettlementReadiness, error)
}

// Server exposes the §6 P2P HTTP surface.
type Server struct {
	identity    *Identity
	domain      Domain
	registry    PeerRegistry
	trades      TradeStore
	settlement  SettlementHandler
	transport   *Transport
	events      *EventLog
	startedAt   time.Time
	version     string

	router chi.Router
	srv    *http.Server
}

// NewServer wires handlers into a chi router. settlement may be nil until
// the coordinator is constructed; requests to settlement endpoints then
// fail with 500 rather than panic.
func NewServer(identity *Identity, domain Domain, registry PeerRegistry, trades TradeStore, settlement SettlementHandler, transport *Transport, events *EventLog, version string) *Server {
	s := &Server{
		identity:   identity,
		domain:     domain,
		registry:   registry,
		trades:     trades,
		settlement: settlement,
		transport:  transport,
		events:     events,
		startedAt:  time.Now(),
		version:    version,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/p2p/health", s.handleHealth)
	r.Get("/p2p/info", s.handleInfo)
	r.Post("/p2p/propose", s.handleSignedEnvelope(EventKind("proposal_received"), "proposal-hash"))
	r.Post("/p2p/accept", s.handleSignedEnvelope(EventKind("acceptance_received"), "acceptance-hash"))
	r.Post("/p2p/commitment/sign", s.handleCommitmentSign)
	r.Post("/p2p/trades", s.handleTradesUpload)
	r.Get("/p2p/trades/{betID}", s.handleTradesFetch)
	r.Post("/p2p/propose-settlement", s.handleProposeSettlement)
	r.Get("/p2p/settlement/{betID}", s.handleSettlementStatus)
	return r
}

// ListenAndServe starts the HTTP server on addr, blocking until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": true, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"address":     s.identity.Address,
		"pubkey_hash": s.identity.PubkeyHash(),
		"version":     s.version,
		"uptime":      time.Since(s.startedAt).Seconds(),
	})
}

// signedEnvelope is the common shape of /p2p/propose and /p2p/accept
// bodies: an opaque payload plus a signature over its content hash.
type signedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
	Signer    Address         `json:"signer"`
}

func (s *Server) handleSignedEnvelope(kind EventKind, hashField string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env signedEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		ctx := r.Context()
		if s.registry != nil && !s.registry.IsActiveBot(ctx, env.Signer) {
			writeError(w, http.StatusUnauthorized, "signer not an active registered peer")
			return
		}
		contentHash := Hash(contentKeccak(env.Payload))
		recovered, err := RecoverSigner(contentHash, env.Signature)
		if err != nil || recovered != env.Signer {
			writeError(w, http.StatusUnauthorized, "signature does not recover to claimed signer")
			return
		}
		if s.transport != nil && !s.transport.MarkSeen(contentHash) {
			writeError(w, http.StatusBadRequest, "replayed message")
			return
		}
		if s.events != nil {
			s.events.Append(kind, "accepted", map[string]any{"signer": env.Signer.Hex()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"received": true, hashField: contentHash})
	}
}

// commitmentSignRequest is the body of POST /p2p/commitment/sign.
type commitmentSignRequest struct {
	Commitment         BetCommitment `json:"commitment"`
	RequesterSignature []byte        `json:"requester_signature"`
	Expiry             time.Time     `json:"expiry"`
}

func (s *Server) handleCommitmentSign(w http.ResponseWriter, r *http.Request) {
	var req commitmentSignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if time.Now().After(req.Expiry) {
		writeError(w, http.StatusBadRequest, "request expired")
		return
	}
	recovered, err := VerifyBetCommitment(s.domain, req.Commitment, req.RequesterSignature)
	if err != nil || recovered != req.Commitment.Creator {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": "requester signature invalid"})
		return
	}
	sig, err := SignBetCommitment(s.identity.Private, s.domain, req.Commitment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "local signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "signature": sig})
}

// tradesUploadRequest is the body of POST /p2p/trades.
type tradesUploadRequest struct {
	BetID     string  `json:"bet_id"`
	Trades    []Trade `json:"trades"`
	Signature []byte  `json:"signature"`
	Signer    Address `json:"signer"`
}

func (s *Server) handleTradesUpload(w http.ResponseWriter, r *http.Request) {
	var req tradesUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if s.trades == nil {
		writeError(w, http.StatusInternalServerError, "trade store not configured")
		return
	}
	if err := s.trades.StoreTrades(req.BetID, req.Trades); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "bet_id": req.BetID})
}

// tradesFetchDigest is the digest a requestor signs to authenticate
// GET /p2p/trades/{bet-id}: keccak(bet-id, timestamp), per spec §6.
func tradesFetchDigest(betID, timestamp string) Hash {
	return Hash(contentKeccak([]byte(betID + "|" + timestamp)))
}

func (s *Server) handleTradesFetch(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")
	sigHeader := r.Header.Get("X-Signature")
	requestorHeader := r.Header.Get("X-Requestor")
	timestamp := r.Header.Get("X-Timestamp")
	if sigHeader == "" || requestorHeader == "" || timestamp == "" {
		writeError(w, http.StatusUnauthorized, "missing authentication headers")
		return
	}

	requestor, err := ParseAddress(requestorHeader)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid requestor address")
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHeader, "0x"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature encoding")
		return
	}
	recovered, err := RecoverSigner(tradesFetchDigest(betID, timestamp), sig)
	if err != nil || recovered != requestor {
		writeError(w, http.StatusUnauthorized, "signature does not recover to claimed requestor")
		return
	}
	if s.registry != nil && !s.registry.IsActiveBot(r.Context(), requestor) {
		writeError(w, http.StatusUnauthorized, "requestor not an active registered peer")
		return
	}

	if s.trades == nil {
		writeError(w, http.StatusInternalServerError, "trade store not configured")
		return
	}
	trades, ok := s.trades.LoadTrades(betID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bet id")
		return
	}
	type indexedTrade struct {
		Index int   `json:"index"`
		Trade Trade `json:"trade"`
	}
	out := make([]indexedTrade, len(trades))
	for i, t := range trades {
		out[i] = indexedTrade{Index: i, Trade: t}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bet_id": betID, "trades": out})
}

func (s *Server) handleProposeSettlement(w http.ResponseWriter, r *http.Request) {
	var p SettlementProposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if s.settlement == nil {
		writeError(w, http.StatusInternalServerError, "settlement coordinator not configured")
		return
	}
	resp, err := s.settlement.HandleIncomingProposal(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	betID := chi.URLParam(r, "betID")
	if s.settlement == nil {
		writeError(w, http.StatusInternalServerError, "settlement coordinator not configured")
		return
	}
	readiness, err := s.settlement.LocalReadiness(betID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, readiness)
}
