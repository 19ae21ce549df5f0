// Package adminapi exposes a small admin surface over the repelgo
// daemon's connections: list, show, and set-keys. The donor BFD daemon
// generates this kind of surface from a .proto file via ConnectRPC; this
// module build is constrained to never invoke a toolchain, so a
// hand-written "generated" stub would be exactly the fabricated
// artifact the exercise prohibits (see DESIGN.md). Instead this package
// is a plain net/http + encoding/json API over the same resource model
// (list/show/set-keys) the donor's RPC service exposes.
package adminapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// ErrNotFound is returned (as a 404) when a named connection does not exist.
var ErrNotFound = errors.New("adminapi: connection not found")

// KeySetter is the subset of engine.Connection's API the admin surface
// needs: installing new key material without the rest of the package
// depending on the engine's full Connection type.
type KeySetter interface {
	SetKeys(keys []byte) error
}

// Registry is the admin surface's view of the daemon's live gateway
// connections: a name-to-connection map it can list, describe, and
// rekey. The gateway package owns the actual connections; Registry only
// holds references for introspection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry
}

type entry struct {
	parserKind string
	macKind    string
	role       string
	conn       KeySetter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]entry)}
}

// Register adds or replaces a named connection's registry entry.
func (r *Registry) Register(name, parserKind, macKind, role string, conn KeySetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[name] = entry{parserKind: parserKind, macKind: macKind, role: role, conn: conn}
}

// Unregister removes a named connection from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, name)
}

// connectionInfo is the JSON resource returned by list/show.
type connectionInfo struct {
	Name       string `json:"name"`
	ParserKind string `json:"parser_kind"`
	MACKind    string `json:"mac_kind"`
	Role       string `json:"role"`
}

// -------------------------------------------------------------------------
// HTTP Handlers
// -------------------------------------------------------------------------

// Server is the admin HTTP API server.
type Server struct {
	reg    *Registry
	logger *slog.Logger
}

// NewServer returns a Server backed by reg.
func NewServer(reg *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{reg: reg, logger: logger}
}

// Handler builds the admin API's http.Handler: GET /v1/connections (list),
// GET /v1/connections/{name} (show), POST /v1/connections/{name}/keys
// (set-keys) — mirroring the donor CLI's `connection list` / `connection
// show` / `connection set-keys` command tree (cmd/repelgoctl).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/connections", s.handleList)
	mux.HandleFunc("GET /v1/connections/{name}", s.handleShow)
	mux.HandleFunc("POST /v1/connections/{name}/keys", s.handleSetKeys)
	return mux
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.reg.mu.RLock()
	infos := make([]connectionInfo, 0, len(s.reg.conns))
	for name, e := range s.reg.conns {
		infos = append(infos, connectionInfo{Name: name, ParserKind: e.parserKind, MACKind: e.macKind, Role: e.role})
	}
	s.reg.mu.RUnlock()

	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.reg.mu.RLock()
	e, ok := s.reg.conns[name]
	s.reg.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrNotFound, name))
		return
	}

	writeJSON(w, http.StatusOK, connectionInfo{Name: name, ParserKind: e.parserKind, MACKind: e.macKind, Role: e.role})
}

// setKeysRequest carries a hex-encoded key blob, format owned entirely
// by the configured MAC module (core spec §4.2/§6).
type setKeysRequest struct {
	KeysHex string `json:"keys_hex"`
}

func (s *Server) handleSetKeys(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.reg.mu.RLock()
	e, ok := s.reg.conns[name]
	s.reg.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrNotFound, name))
		return
	}

	var req setKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("adminapi: decode request: %w", err))
		return
	}

	keys, err := decodeHex(req.KeysHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := e.conn.SetKeys(keys); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("adminapi: set keys: %w", err))
		return
	}

	s.logger.Info("connection rekeyed", slog.String("connection", name))
	w.WriteHeader(http.StatusNoContent)
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("adminapi: decode keys_hex: %w", err)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
