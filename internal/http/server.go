package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/auth"
	"gymflow/occupancy/internal/checkin"
	"gymflow/occupancy/internal/config"
	"gymflow/occupancy/internal/dashboard"
	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/metrics"
	"gymflow/occupancy/internal/model"
)

const defaultRangeWindow = 24 * time.Hour

type Deps struct {
	Store      db.Store
	Access     *access.Service
	Engine     *checkin.Engine
	Dashboards *dashboard.Service
	// Websocket serves /ws; nil leaves the route unmounted.
	Websocket http.Handler
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

type Server struct {
	cfg        config.Config
	store      db.Store
	access     *access.Service
	engine     *checkin.Engine
	dashboards *dashboard.Service
	websocket  http.Handler
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	validate   *validator.Validate
	now        func() time.Time
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := access.RegisterValidations(validate); err != nil {
		return nil, fmt.Errorf("register validations: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		access:     deps.Access,
		engine:     deps.Engine,
		dashboards: deps.Dashboards,
		websocket:  deps.Websocket,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		validate:   validate,
		now:        deps.Now,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/gyms/{gymId}/capacity", s.handleCapacity)
	if s.websocket != nil {
		r.Handle("/ws", s.websocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/checkins", s.handleCheckIn)
		r.Put("/checkins/{id}/checkout", s.handleCheckOut)
		r.Get("/users/{userId}/active", s.handleUserActive)

		r.With(s.requireStaff).Post("/access", s.handleScan)
		r.With(s.requireStaff).Post("/access/resolve", s.handleResolve)
		r.With(s.requireStaff).Post("/checkins/checkout", s.handleCheckOutByIdentity)
		r.With(s.requireStaff).Post("/checkins/simulate", s.handleSimulate)
		r.With(s.requireStaff).Get("/gyms/{gymId}/active", s.handleActive)
		r.With(s.requireStaff).Get("/gyms/{gymId}/checkins", s.handleCheckInRange)
		r.With(s.requireStaff).Get("/dashboard/staff/{gymId}", s.handleStaffDashboard)

		r.With(s.requireAdmin).Post("/memberships", s.handleEnroll)
		r.With(s.requireAdmin).Get("/dashboard/owner/{gymId}", s.handleOwnerDashboard)
	})

	return r
}

// Middleware

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequest(r.Method, route, status)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "a bearer token is required")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "the bearer token is not valid")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func (s *Server) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.Staff() {
			writeError(w, http.StatusForbidden, "forbidden", "staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || !claims.Admin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Models

type credentialFields struct {
	UserID string `json:"userId"`
	RUT    string `json:"rut" validate:"omitempty,rut"`
	QRCode string `json:"qrCode"`
}

func (c credentialFields) credential() access.Credential {
	return access.Credential{UserID: c.UserID, RUT: c.RUT, QRCode: c.QRCode}
}

type scanRequest struct {
	GymID string `json:"gymId" validate:"required"`
	credentialFields
	EventID string `json:"eventId"`
}

type checkInRequest struct {
	GymID string `json:"gymId" validate:"required"`
	credentialFields
	EventID string `json:"eventId"`
}

type simulateRequest struct {
	GymID string `json:"gymId" validate:"required"`
	credentialFields
	Event   string `json:"event" validate:"required,oneof=entry exit"`
	EventID string `json:"eventId"`
}

type enrollRequest struct {
	UserID string `json:"userId" validate:"required"`
	GymID  string `json:"gymId" validate:"required"`
}

type scanResponse struct {
	Outcome  checkin.Outcome `json:"outcome"`
	Message  string          `json:"message"`
	CheckIn  model.CheckIn   `json:"checkin"`
	User     *model.User     `json:"user,omitempty"`
	Replayed bool            `json:"replayed"`
}

func newScanResponse(result checkin.ScanResult) scanResponse {
	message := "Welcome"
	if result.Outcome == checkin.OutcomeExit {
		message = "Goodbye"
	}
	if result.User != nil && result.User.Name != "" {
		message += ", " + result.User.Name
	}
	return scanResponse{
		Outcome:  result.Outcome,
		Message:  message,
		CheckIn:  result.CheckIn,
		User:     result.User,
		Replayed: result.Replayed,
	}
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	capacity, err := s.engine.CurrentCapacity(r.Context(), chi.URLParam(r, "gymId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if !s.canOperate(w, r, req.GymID) {
		return
	}
	result, err := s.engine.Scan(r.Context(), checkin.ScanRequest{
		GymID:      req.GymID,
		Credential: req.credential(),
		EventID:    req.EventID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newScanResponse(result))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if !s.canOperate(w, r, req.GymID) {
		return
	}
	decision, err := s.access.ResolveAccess(r.Context(), req.GymID, req.credential())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req checkInRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if !claims.Staff() {
		// Members may only check themselves in.
		if req.RUT != "" || req.QRCode != "" || (req.UserID != "" && req.UserID != claims.UserID) {
			writeError(w, http.StatusForbidden, "forbidden", "members can only check themselves in")
			return
		}
		req.UserID = claims.UserID
	} else if !s.canOperate(w, r, req.GymID) {
		return
	}
	result, err := s.engine.Admit(r.Context(), checkin.CheckInRequest{
		GymID:      req.GymID,
		Credential: req.credential(),
		EventID:    req.EventID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if result.Replayed {
		writeJSON(w, http.StatusOK, result.CheckIn)
		return
	}
	writeJSON(w, http.StatusCreated, result.CheckIn)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetCheckIn(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, db.DomainError(err, "check-in not found"))
		return
	}
	owner := existing.UserID != nil && *existing.UserID == claims.UserID
	if !owner && !claims.CanOperate(existing.GymID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot close another user's check-in")
		return
	}
	checkIn, err := s.engine.CheckOut(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkIn)
}

func (s *Server) handleCheckOutByIdentity(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if !s.canOperate(w, r, req.GymID) {
		return
	}
	checkIn, err := s.engine.CheckOutByIdentity(r.Context(), req.GymID, req.credential(), req.EventID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkIn)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.SimulatorEnabled {
		writeError(w, http.StatusNotFound, string(model.CodeNotFound), "simulator disabled")
		return
	}
	var req simulateRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if !s.canOperate(w, r, req.GymID) {
		return
	}
	result, err := s.engine.Simulate(r.Context(), checkin.SimulateRequest{
		GymID:      req.GymID,
		Credential: req.credential(),
		Event:      checkin.Outcome(req.Event),
		EventID:    req.EventID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newScanResponse(result))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymId")
	if !s.canOperate(w, r, gymID) {
		return
	}
	sessions, err := s.engine.ActiveSessions(r.Context(), gymID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": sessions, "count": len(sessions)})
}

func (s *Server) handleCheckInRange(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymId")
	if !s.canOperate(w, r, gymID) {
		return
	}
	to, err := unixParam(r, "to", s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, string(model.CodeInvalidArgument), "to must be unix seconds")
		return
	}
	from, err := unixParam(r, "from", to.Add(-defaultRangeWindow))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(model.CodeInvalidArgument), "from must be unix seconds")
		return
	}
	checkIns, err := s.engine.CheckIns(r.Context(), gymID, from, to)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": checkIns, "from": from.Unix(), "to": to.Unix()})
}

func (s *Server) handleUserActive(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userId")
	if userID != claims.UserID && !claims.Staff() {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's sessions")
		return
	}
	sessions, err := s.engine.ActiveSessionsForUser(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkins": sessions})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	membership, err := s.access.Enroll(r.Context(), req.UserID, req.GymID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

func (s *Server) handleStaffDashboard(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymId")
	if !s.canOperate(w, r, gymID) {
		return
	}
	data, err := s.dashboards.Staff(r.Context(), gymID, s.now())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleOwnerDashboard(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(model.CodeInvalidArgument), "days must be an integer")
			return
		}
		days = parsed
	}
	data, err := s.dashboards.Owner(r.Context(), chi.URLParam(r, "gymId"), days, s.now())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// Helpers

func (s *Server) canOperate(w http.ResponseWriter, r *http.Request, gymID string) bool {
	claims := claimsFromContext(r.Context())
	if claims == nil || !claims.CanOperate(gymID) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to operate this gym")
		return false
	}
	return true
}

func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, string(model.CodeInvalidArgument), validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	field := fieldErrs[0]
	switch field.Tag() {
	case "required":
		return field.Field() + " is required"
	case "rut":
		return "rut must look like 12345678-9"
	default:
		return field.Field() + " is invalid"
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *model.Error
	switch {
	case errors.As(err, &domainErr):
		if domainErr.Code == model.CodeConnection || domainErr.Code == model.CodeInternal {
			s.log.WithError(err).Error("request failed")
		}
		writeError(w, domainErr.Code.HTTPStatus(), string(domainErr.Code), domainErr.Message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, string(model.CodeConnection), "request cancelled")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, string(model.CodeInternal), "internal error")
	}
}

func unixParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
