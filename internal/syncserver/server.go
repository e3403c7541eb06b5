// Package syncserver implements the server side of the sync wire
// protocol (spec §4.6, §6): POST /sync/pull and POST /sync/push over
// bearer-token authenticated JSON, plus an unauthenticated health
// endpoint. Grounded on the teacher's HTTPServer
// (internal/rpc/http_server.go): stdlib net/http.ServeMux, a
// constant-time-ish bearer check against a single configured token,
// and unauthenticated /healthz.
package syncserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
	"github.com/farant/smaragda-sub003/internal/syncwire"
)

// Server wraps a store behind the sync HTTP endpoints.
type Server struct {
	st         *store.Store
	token      string
	log        *slog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Server. An empty token disables auth (local testing only).
func New(st *store.Store, token string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{st: st, token: token, log: log}
}

// Handler returns the server's http.Handler, exposed separately from
// Start so tests can drive it via httptest.NewServer without binding a
// real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/sync/pull", s.withAuth(s.handlePull))
	mux.HandleFunc("/sync/push", s.withAuth(s.handlePush))
	return mux
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("syncserver: listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	return s.httpServer.Serve(s.listener)
}

// Addr returns the address the server is actually listening on.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(authHeader, "Bearer ")), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, kerrors.ErrAuth, "missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, kind error, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(syncwire.ErrorResponse{Error: msg, Kind: kind.Error()})
}

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32*1024*1024))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// handlePull serves POST /sync/pull (spec §4.6, §6).
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncwire.PullRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kerrors.ErrValidation, "malformed pull request")
		return
	}

	rows, err := s.st.ScanTessellae(r.Context(), store.ScanFilter{SinceID: req.Since})
	if err != nil {
		writeError(w, http.StatusInternalServerError, kerrors.ErrStorage, err.Error())
		return
	}

	resSeen := map[string]bool{}
	var wireTessellae []syncwire.Tessella
	var wireRes []syncwire.Res
	for _, t := range rows {
		wireTessellae = append(wireTessellae, syncwire.Tessella{
			ResID: t.ResID, BranchID: t.BranchID, Type: string(t.Type), Data: json.RawMessage(t.Data),
			CreatedAt: t.CreatedAt, Source: t.Source, OriginReplica: t.OriginReplica, OriginLocalID: t.OriginLocalID,
		})
		if !resSeen[t.ResID] {
			resSeen[t.ResID] = true
			res, err := s.st.GetRes(r.Context(), t.ResID)
			if err != nil {
				continue
			}
			wireRes = append(wireRes, syncwire.Res{ID: res.ID, GenusID: res.GenusID, BranchID: res.BranchID, CreatedAt: res.CreatedAt})
		}
	}

	hwm, err := s.st.LocalHighWaterMark(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, kerrors.ErrStorage, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(syncwire.PullResponse{Res: wireRes, Tessellae: wireTessellae, HighWaterMark: hwm})
}

// handlePush serves POST /sync/push, applying the ingest rules of spec
// §4.6: upsert res (reject DivergentRes on genus mismatch), dedup
// tessellae by origin key, tag source as sync:<device>.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncwire.PushRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, kerrors.ErrValidation, "malformed push request")
		return
	}

	accepted, err := Ingest(r.Context(), s.st, req.DeviceID, req.Res, req.Tessellae)
	if err != nil {
		if kerrors.Is(err, kerrors.ErrDivergentRes) {
			writeError(w, http.StatusConflict, kerrors.ErrDivergentRes, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, kerrors.ErrStorage, err.Error())
		return
	}

	hwm, err := s.st.LocalHighWaterMark(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, kerrors.ErrStorage, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(syncwire.PushResponse{Accepted: accepted, HighWaterMark: hwm})
}

// Ingest applies incoming res and tessellae to st, following spec
// §4.6's symmetric ingest rules. It is exported so the client-side sync
// engine can apply pulled data through the identical code path.
func Ingest(ctx context.Context, st *store.Store, peer string, resRows []syncwire.Res, tessellae []syncwire.Tessella) (int, error) {
	for _, r := range resRows {
		_, mismatch, err := st.UpsertRes(ctx, store.Res{ID: r.ID, GenusID: r.GenusID, BranchID: r.BranchID, CreatedAt: r.CreatedAt})
		if err != nil {
			return 0, err
		}
		if mismatch {
			return 0, kerrors.Wrapf("syncserver.Ingest", kerrors.ErrDivergentRes, "res %s has diverged genus", r.ID)
		}
	}

	accepted := 0
	for _, t := range tessellae {
		source := t.Source
		if peer != "" {
			source = "sync:" + peer
		}
		_, dup, err := st.AppendTessella(ctx, store.AppendParams{
			ResID: t.ResID, BranchID: t.BranchID, Type: store.TessellaType(t.Type), Data: []byte(t.Data),
			Source: source, CreatedAt: t.CreatedAt,
			Origin: &store.OriginKey{Replica: t.OriginReplica, LocalID: t.OriginLocalID},
		})
		if err != nil {
			return accepted, err
		}
		if !dup {
			accepted++
		}
	}
	return accepted, nil
}
