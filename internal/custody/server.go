// Package custody serves wallet keys over HTTP for RemoteProvider.
package custody

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/kokukuma/mdoc-wallet/cryptoprovider"
	"github.com/kokukuma/mdoc-wallet/internal/metrics"
)

type Server struct {
	keys     *cryptoprovider.LocalProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	draining atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(keys *cryptoprovider.LocalProvider, opts ...Option) *Server {
	s := &Server{
		keys:   keys,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Drain makes every request fail with 503 until Resume is called.
func (s *Server) Drain()  { s.draining.Store(true) }
func (s *Server) Resume() { s.draining.Store(false) }

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.availability)
	r.HandleFunc("/keys", s.GenerateKey).Methods("POST")
	r.HandleFunc("/keys/{keyID}/attestation", s.AttestKey).Methods("POST")
	r.HandleFunc("/keys/{keyID}/sign", s.Sign).Methods("POST")
	return r
}

// Handler is Router with panic recovery and access logging.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(os.Stdout, s.Router()),
	)
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			jsonErrorResponse(w, errors.New("custody service is draining"), http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) GenerateKey(w http.ResponseWriter, r *http.Request) {
	req := cryptoprovider.GenerateKeyRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	keyID, err := s.keys.GenerateKey(r.Context(), req.KeyType)
	if err != nil {
		s.fail(w, "generate key", err)
		return
	}
	s.logger.Info("custody key generated", "keyID", keyID, "keyType", req.KeyType)
	jsonResponse(w, cryptoprovider.GenerateKeyResponse{KeyID: keyID}, http.StatusOK)
}

func (s *Server) AttestKey(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyID"]
	req := cryptoprovider.AttestKeyRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	ka, err := s.keys.AttestKey(r.Context(), keyID, req.Nonce)
	if err != nil {
		s.fail(w, "attest key", err)
		return
	}
	jsonResponse(w, cryptoprovider.AttestKeyResponse{
		KeyID:       ka.KeyID,
		KeyType:     ka.KeyType,
		Attestation: string(ka.Attestation),
	}, http.StatusOK)
}

func (s *Server) Sign(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyID"]
	req := cryptoprovider.SignRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	sig, err := s.keys.SignWithKeyID(r.Context(), keyID, req.Data)
	if err != nil {
		s.metrics.IncrementSign("error")
		s.fail(w, "sign", err)
		return
	}
	s.metrics.IncrementSign("ok")
	jsonResponse(w, cryptoprovider.SignResponse{Signature: sig}, http.StatusOK)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, cryptoprovider.ErrKeyNotFound):
		code = http.StatusNotFound
	case errors.Is(err, cryptoprovider.ErrUnsupportedKeyType):
		code = http.StatusBadRequest
	}
	s.logger.Warn("custody request failed", "op", op, "status", code, "error", err)
	jsonErrorResponse(w, err, code)
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("No request given")
	}
	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

func jsonErrorResponse(w http.ResponseWriter, e error, c int) {
	jsonResponse(w, cryptoprovider.ErrorResponse{Error: e.Error()}, c)
}
