package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tripsplit/internal/auth"
	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/service"
)

const maxBodyBytes = 1 << 20

// HTTP exposes account and trip endpoints.
type HTTP struct {
	svc      *service.Service
	accounts *auth.Service
	secret   string
	limiter  func(http.Handler) http.Handler
	logger   *zap.Logger
}

// NewHTTP constructs a handler. limiter may be nil.
func NewHTTP(svc *service.Service, accounts *auth.Service, secret string, limiter func(http.Handler) http.Handler, logger *zap.Logger) *HTTP {
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, accounts: accounts, secret: secret, limiter: limiter, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.limiter)
			r.Post("/auth/register", h.register)
			r.Post("/auth/login", h.login)
		})
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.secret), h.limiter)
			r.Post("/trips", h.createTrip)
			r.Get("/trips/mine", h.myTrips)
			r.Get("/trips/matches", h.matches)
			r.Post("/trips/book", h.book)
			r.Get("/trips/{id}", h.getTrip)
		})
	})
	return r
}

func (h *HTTP) register(w http.ResponseWriter, r *http.Request) {
	var payload auth.RegisterRequest
	if !h.decode(w, r, &payload) {
		return
	}
	session, err := h.accounts.Register(r.Context(), payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var payload auth.LoginRequest
	if !h.decode(w, r, &payload) {
		return
	}
	session, err := h.accounts.Login(r.Context(), payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *HTTP) createTrip(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload service.CreateTripRequest
	if !h.decode(w, r, &payload) {
		return
	}
	trip, err := h.svc.CreateTrip(r.Context(), r.Header.Get("Idempotency-Key"), actor, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (h *HTTP) myTrips(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	trips, err := h.svc.ListMyTrips(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (h *HTTP) matches(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	matches, err := h.svc.FindMatches(r.Context(), actor, r.URL.Query().Get("destination"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

type bookRequest struct {
	MyTripID    string `json:"my_trip_id"`
	MatchTripID string `json:"match_trip_id"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var payload bookRequest
	if !h.decode(w, r, &payload) {
		return
	}
	myTripID, err := uuid.Parse(payload.MyTripID)
	if err != nil {
		h.writeError(w, r, domain.Invalidf("invalid my_trip_id"))
		return
	}
	matchTripID, err := uuid.Parse(payload.MatchTripID)
	if err != nil {
		h.writeError(w, r, domain.Invalidf("invalid match_trip_id"))
		return
	}
	res, err := h.svc.Book(r.Context(), actor, myTripID, matchTripID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) getTrip(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, domain.Invalidf("invalid id"))
		return
	}
	trip, err := h.svc.GetTrip(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *HTTP) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing token", Code: "unauthorized"})
	}
	return actor, ok
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, r, domain.Invalidf("malformed JSON body"))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByKind = map[domain.Kind]int{
	domain.KindInvalidRequest:      http.StatusBadRequest,
	domain.KindForbidden:           http.StatusForbidden,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindBookingConflict:     http.StatusConflict,
	domain.KindRequestInProgress:   http.StatusConflict,
	domain.KindDestinationMismatch: http.StatusUnprocessableEntity,
	domain.KindStorage:             http.StatusServiceUnavailable,
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthorized"})
		return
	}
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
