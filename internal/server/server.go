package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/sessiond/internal/auth"
	"github.com/wolfeidau/sessiond/internal/backchannel"
	httpmiddleware "github.com/wolfeidau/sessiond/internal/http"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/sessionmgmt"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/ticket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Config wires the server to its services.
type Config struct {
	Tickets  *ticket.Adapter
	Sessions *sessionmgmt.Service
	Keys     *backchannel.KeyManager

	// Verifier authenticates API callers, nil disables authentication and
	// every caller is treated as a local administrator.
	Verifier *auth.Verifier

	CORSOrigins []string
	TrustProxy  bool
}

// Server exposes the ticket store and session management over HTTP.
type Server struct {
	cfg Config
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) (http.Handler, error) {
	api := http.NewServeMux()
	api.Handle("POST /v1/tickets", auth.Require(auth.PermTicketsManage, http.HandlerFunc(s.storeTicket)))
	api.Handle("GET /v1/tickets/{key}", auth.Require(auth.PermTicketsManage, http.HandlerFunc(s.resolveTicket)))
	api.Handle("PUT /v1/tickets/{key}", auth.Require(auth.PermTicketsManage, http.HandlerFunc(s.renewTicket)))
	api.Handle("DELETE /v1/tickets/{key}", auth.Require(auth.PermTicketsManage, http.HandlerFunc(s.removeTicket)))
	api.Handle("GET /v1/sessions", auth.Require(auth.PermSessionsRead, http.HandlerFunc(s.querySessions)))
	api.Handle("POST /v1/sessions/remove", auth.Require(auth.PermSessionsRemove, http.HandlerFunc(s.removeSessions)))

	var authenticated http.Handler
	if s.cfg.Verifier != nil {
		authenticated = s.cfg.Verifier.Middleware()(api)
	} else {
		log.Warn().Msg("authentication disabled, all callers are administrators")
		authenticated = localAdmin(api)
	}

	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Keys != nil {
		mux.Handle("GET /.well-known/jwks.json", s.cfg.Keys.JWKSHandler())
	}
	mux.Handle("/v1/", authenticated)

	protection := csrf.New()
	for _, origin := range s.cfg.CORSOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid cors origin %q: %w", origin, err)
		}
	}

	var h http.Handler = protection.Handler(mux)
	h = withCORS(s.cfg.CORSOrigins, h)
	h = httpmiddleware.ClientIPMiddleware(s.cfg.TrustProxy)(h)
	h = logger.RequestLogger(log)(h)
	return otelhttp.NewHandler(h, "sessiond"), nil
}

func (s *Server) storeTicket(w http.ResponseWriter, r *http.Request) {
	var t ticket.Ticket
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, r, err)
		return
	}

	key, err := s.cfg.Tickets.Store(r.Context(), &t)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) resolveTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Tickets.Resolve(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t == nil {
		writeProblem(w, http.StatusNotFound, "ticket not found")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (s *Server) renewTicket(w http.ResponseWriter, r *http.Request) {
	var t ticket.Ticket
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.cfg.Tickets.Renew(r.Context(), r.PathValue("key"), &t); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tickets.Remove(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) querySessions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := models.SessionQuery{
		SubjectID:    params.Get("subject_id"),
		SessionID:    params.Get("session_id"),
		DisplayName:  params.Get("display_name"),
		ResultsToken: params.Get("token"),
	}

	if v := params.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "page_size must be a non-negative integer")
			return
		}
		q.PageSize = n
	}
	if v := params.Get("prior"); v != "" {
		prior, err := strconv.ParseBool(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "prior must be a boolean")
			return
		}
		q.RequestPriorResults = prior
	}

	result, err := s.cfg.Sessions.QuerySessions(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// NotificationResult reports one backchannel delivery.
type NotificationResult struct {
	ClientID   string `json:"client_id"`
	URI        string `json:"uri"`
	Delivered  bool   `json:"delivered"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RemoveSessionsResponse is returned by POST /v1/sessions/remove.
type RemoveSessionsResponse struct {
	*sessionmgmt.RemoveSessionsResult
	Notifications []NotificationResult `json:"notifications"`
}

func (s *Server) removeSessions(w http.ResponseWriter, r *http.Request) {
	var rc models.RemoveSessionsContext
	if err := decodeJSON(w, r, &rc); err != nil {
		writeError(w, r, err)
		return
	}

	principal := auth.PrincipalFromContext(r.Context())
	zerolog.Ctx(r.Context()).Info().
		Str("actor", principal.Subject).
		Str("subject_id", rc.SubjectID).
		Str("session_id", rc.SessionID).
		Strs("client_ids", rc.ClientIDs).
		Msg("removing sessions")

	result, err := s.cfg.Sessions.RemoveSessions(r.Context(), rc)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := RemoveSessionsResponse{
		RemoveSessionsResult: result,
		Notifications:        make([]NotificationResult, 0, len(result.Notifications)),
	}
	for _, o := range result.Notifications {
		n := NotificationResult{
			ClientID:   o.ClientID,
			URI:        o.URI,
			Delivered:  !o.Failed(),
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			n.Error = o.Err.Error()
		}
		resp.Notifications = append(resp.Notifications, n)
	}

	writeJSON(w, http.StatusOK, resp)
}

// localAdmin stands in for the verifier when authentication is disabled.
func localAdmin(next http.Handler) http.Handler {
	principal := &auth.Principal{Subject: "local", Roles: []string{auth.RoleAdmin}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	})
	return middleware.Handler(h)
}

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

type problem struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, problem{Status: status, Error: msg})
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var effectErr *sessionmgmt.EffectError

	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, store.ErrInvalidResultsToken),
		errors.Is(err, ticket.ErrMissingSubject),
		errors.Is(err, ticket.ErrMissingSession):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrSessionAlreadyExists):
		writeProblem(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrSessionNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("store unavailable")
		writeProblem(w, http.StatusServiceUnavailable, "store unavailable")
	case errors.Is(err, context.Canceled):
		// client went away
		w.WriteHeader(499)
	case errors.As(err, &effectErr):
		zerolog.Ctx(r.Context()).Error().Err(err).Str("effect", effectErr.Effect).Msg("session removal failed")
		writeProblem(w, http.StatusInternalServerError, fmt.Sprintf("%s failed", effectErr.Effect))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
