package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/cache"
	"rollcall/internal/checkin"
	"rollcall/internal/config"
	"rollcall/internal/db"
	"rollcall/internal/metrics"
	"rollcall/internal/session"
)

// Store covers the read queries the handlers issue directly, outside the
// session authority and the verifiers.
type Store interface {
	ListSessionCheckIns(ctx context.Context, params db.ListSessionCheckInsParams) ([]db.SessionCheckIn, error)
	GetClass(ctx context.Context, id uuid.UUID) (db.Class, error)
	ListClassAttendance(ctx context.Context, params db.ListClassAttendanceParams) ([]db.ClassAttendance, error)
}

type Server struct {
	cfg       config.Config
	store     Store
	cache     *cache.Cache
	authority *session.Authority
	proximity *checkin.ProximityVerifier
	qr        *checkin.QRVerifier
}

func NewServer(cfg config.Config, store Store, cacheClient *cache.Cache, authority *session.Authority, proximity *checkin.ProximityVerifier, qrVerifier *checkin.QRVerifier) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		cache:     cacheClient,
		authority: authority,
		proximity: proximity,
		qr:        qrVerifier,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/sessions", s.handleCreateSession)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/end", s.handleEndSession)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/token", s.handleGetSessionToken)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/attendance", s.handleListSessionAttendance)

	r.With(s.authMiddleware).Post("/checkins", s.handleProximityCheckIn)

	r.With(s.authMiddleware).Post("/classes/{classId}/qr", s.handleGenerateQR)
	r.With(s.authMiddleware).Get("/classes/{classId}/qr", s.handleGetQR)
	r.With(s.authMiddleware).Get("/classes/{classId}/attendance", s.handleListClassAttendance)
	r.With(s.authMiddleware).Post("/attendance/qr", s.handleMarkQRAttendance)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
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

// Models

type sessionResponse struct {
	ID         string `json:"id"`
	CourseCode string `json:"courseCode"`
	Token      string `json:"token"`
	Active     bool   `json:"active"`
	StartedAt  int64  `json:"startedAt"`
	EndedAt    *int64 `json:"endedAt,omitempty"`
}

type createSessionRequest struct {
	CourseCode      string `json:"courseCode"`
	DurationSeconds int64  `json:"durationSeconds"`
}

type proximityCheckInRequest struct {
	StudentID string `json:"studentId"`
	Token     string `json:"token"`
	RSSI      *int   `json:"rssi"`
	Timestamp *int64 `json:"timestamp"`
}

type markQRAttendanceRequest struct {
	StudentID string   `json:"studentId"`
	Payload   string   `json:"payload"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisHealthy := s.cache != nil && s.cache.Healthy(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "redis": redisHealthy})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	teacherID, err := uuid.Parse(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.CourseCode) == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_duration")
		return
	}

	created, err := s.authority.Create(r.Context(), teacherID, strings.TrimSpace(req.CourseCode), time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		log.Printf("session create failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if s.cache != nil {
		if err := s.cache.StoreSessionToken(r.Context(), created.ID.String(), created.TeacherID.String(), created.Token, s.cfg.TokenTTL); err != nil {
			log.Printf("session token cache write failed: %v", err)
		}
	}

	writeJSON(w, http.StatusCreated, mapSession(created))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID, ok := s.ownedSession(w, r, claims)
	if !ok {
		return
	}

	ended, err := s.authority.End(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		log.Printf("session end failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if s.cache != nil {
		if err := s.cache.ClearSessionToken(r.Context(), sessionID.String()); err != nil {
			log.Printf("session token cache clear failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, mapSession(ended))
}

func (s *Server) handleGetSessionToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	sessionUUID, err := uuid.Parse(sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}

	// A cached entry carries its owner, so the ownership check holds on
	// the fast path too. Only the owner ever sees the token.
	if s.cache != nil {
		if teacherID, cached, ok, err := s.cache.LoadSessionToken(r.Context(), sessionID); err == nil && ok {
			if teacherID != claims.UserID {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"token": cached})
			return
		}
	}

	stored, err := s.authority.Get(r.Context(), sessionUUID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		log.Printf("session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if stored.TeacherID.String() != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !stored.Active {
		writeError(w, http.StatusConflict, "session_not_active")
		return
	}

	if s.cache != nil {
		if err := s.cache.StoreSessionToken(r.Context(), sessionID, stored.TeacherID.String(), stored.Token, s.cfg.TokenTTL); err != nil {
			log.Printf("session token cache write failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": stored.Token})
}

func (s *Server) handleListSessionAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sessionID, ok := s.ownedSession(w, r, claims)
	if !ok {
		return
	}

	rows, err := s.store.ListSessionCheckIns(r.Context(), db.ListSessionCheckInsParams{SessionID: sessionID, Limit: parseLimit(r, 200)})
	if err != nil {
		log.Printf("session attendance list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{
			"student":     row.StudentID.String(),
			"checkedInAt": row.CheckedInAt.Unix(),
			"verified":    row.Verified,
		}
		if row.RSSI != nil {
			entry["rssi"] = *row.RSSI
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProximityCheckIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req proximityCheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.StudentID == "" {
		req.StudentID = claims.UserID
	}
	if req.StudentID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var clientTime *time.Time
	if req.Timestamp != nil {
		parsed := time.Unix(*req.Timestamp, 0).UTC()
		clientTime = &parsed
	}

	result, err := s.proximity.CheckIn(r.Context(), req.StudentID, req.Token, req.RSSI, clientTime)
	if err != nil {
		s.writeCheckInError(w, "proximity", err)
		return
	}

	metrics.CheckInsAccepted.WithLabelValues("proximity").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":    true,
		"session":     result.SessionID.String(),
		"student":     result.StudentID.String(),
		"checkedInAt": result.CheckedInAt.Unix(),
	})
}

func (s *Server) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	classID := chi.URLParam(r, "classId")
	classUUID, err := uuid.Parse(classID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}

	raw, payload, err := s.qr.GenerateQR(r.Context(), classUUID)
	if err != nil {
		s.writeCheckInError(w, "qr", err)
		return
	}

	if s.cache != nil {
		if err := s.cache.StoreClassQR(r.Context(), classID, raw, s.cfg.QRValidityWindow); err != nil {
			log.Printf("qr cache write failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"payload":   raw,
		"expiresAt": payload.ExpiresAt.Unix(),
	})
}

func (s *Server) handleGetQR(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	classID := chi.URLParam(r, "classId")
	classUUID, err := uuid.Parse(classID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}

	if s.cache != nil {
		if cached, ok, err := s.cache.LoadClassQR(r.Context(), classID); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]any{"payload": cached})
			return
		}
	}

	class, err := s.store.GetClass(r.Context(), classUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "class_not_found")
			return
		}
		log.Printf("class lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if class.QRPayload == nil || class.QRExpiresAt == nil || time.Now().UTC().After(*class.QRExpiresAt) {
		writeError(w, http.StatusNotFound, "qr_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": *class.QRPayload, "expiresAt": class.QRExpiresAt.Unix()})
}

func (s *Server) handleMarkQRAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "student" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req markQRAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.StudentID == "" {
		req.StudentID = claims.UserID
	}
	if req.StudentID != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	result, err := s.qr.MarkAttendance(r.Context(), req.StudentID, req.Payload, req.Latitude, req.Longitude)
	if err != nil {
		s.writeCheckInError(w, "qr", err)
		return
	}

	metrics.CheckInsAccepted.WithLabelValues("qr").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": true,
		"class":    result.ClassID.String(),
		"student":  result.StudentID.String(),
		"markedAt": result.MarkedAt.Unix(),
	})
}

func (s *Server) handleListClassAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "teacher" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	classID := chi.URLParam(r, "classId")
	classUUID, err := uuid.Parse(classID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}

	rows, err := s.store.ListClassAttendance(r.Context(), db.ListClassAttendanceParams{ClassID: classUUID, Limit: parseLimit(r, 200)})
	if err != nil {
		log.Printf("class attendance list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, map[string]any{
			"student":  row.StudentID.String(),
			"status":   string(row.Status),
			"method":   string(row.Method),
			"markedAt": row.MarkedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownedSession parses the sessionId route param and checks the caller owns
// the session (admins skip the ownership check).
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, claims *auth.Claims) (uuid.UUID, bool) {
	sessionID := chi.URLParam(r, "sessionId")
	sessionUUID, err := uuid.Parse(sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return uuid.UUID{}, false
	}
	stored, err := s.authority.Get(r.Context(), sessionUUID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return uuid.UUID{}, false
		}
		log.Printf("session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return uuid.UUID{}, false
	}
	if claims.UserType != "admin" && stored.TeacherID.String() != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return uuid.UUID{}, false
	}
	return sessionUUID, true
}

// writeCheckInError maps a verifier outcome onto the wire: rejections get
// their reason code and any proximity detail, everything else is an opaque
// server error.
func (s *Server) writeCheckInError(w http.ResponseWriter, path string, err error) {
	var rejected *checkin.RejectedError
	if errors.As(err, &rejected) {
		metrics.CheckInsRejected.WithLabelValues(path, rejected.Reason).Inc()
		body := map[string]any{
			"error":   rejected.Reason,
			"message": rejected.Error(),
		}
		switch rejected.Reason {
		case checkin.ReasonTooFar:
			body["distanceMeters"] = rejected.DistanceMeters
		case checkin.ReasonRSSIBelowThreshold:
			body["rssi"] = rejected.RSSI
		}
		writeJSON(w, statusForReason(rejected.Reason), body)
		return
	}
	log.Printf("%s check-in failed: %v", path, err)
	writeError(w, http.StatusInternalServerError, "server_error")
}

func statusForReason(reason string) int {
	switch reason {
	case checkin.ReasonMissingFields, checkin.ReasonMalformed, checkin.ReasonInvalidQRFormat:
		return http.StatusBadRequest
	case checkin.ReasonAlreadyCheckedIn, checkin.ReasonAlreadyMarked:
		return http.StatusConflict
	case checkin.ReasonClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusForbidden
	}
}

// Helpers

func parseLimit(r *http.Request, fallback int32) int32 {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 32)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return int32(parsed)
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
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

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func mapSession(stored db.Session) sessionResponse {
	resp := sessionResponse{
		ID:         stored.ID.String(),
		CourseCode: stored.CourseCode,
		Token:      stored.Token,
		Active:     stored.Active,
		StartedAt:  stored.StartedAt.Unix(),
	}
	if stored.EndedAt != nil {
		endedAt := stored.EndedAt.Unix()
		resp.EndedAt = &endedAt
	}
	return resp
}
