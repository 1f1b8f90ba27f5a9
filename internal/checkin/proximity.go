// Package checkin holds the two attendance verification paths: the
// proximity-token check-in and the geofenced QR mark. Both end in an
// uniqueness-guarded insert; the storage conflict, not a pre-read, is the
// duplicate signal.
package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rollcall/internal/db"
	"rollcall/internal/token"
)

type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (db.User, error)
	GetSession(ctx context.Context, id uuid.UUID) (db.Session, error)
	CreateSessionCheckIn(ctx context.Context, params db.CreateSessionCheckInParams) error
	GetClass(ctx context.Context, id uuid.UUID) (db.Class, error)
	UpdateClassQR(ctx context.Context, params db.UpdateClassQRParams) error
	IsStudentEnrolled(ctx context.Context, params db.IsStudentEnrolledParams) (bool, error)
	CreateClassAttendance(ctx context.Context, params db.CreateClassAttendanceParams) error
}

type ProximityResult struct {
	SessionID   uuid.UUID
	StudentID   uuid.UUID
	CheckedInAt time.Time
}

type ProximityVerifier struct {
	store         Store
	codec         *token.Codec
	rssiThreshold int
	now           func() time.Time
}

func NewProximityVerifier(store Store, codec *token.Codec, rssiThreshold int) *ProximityVerifier {
	return &ProximityVerifier{store: store, codec: codec, rssiThreshold: rssiThreshold, now: time.Now}
}

// NewProximityVerifierAt pins the clock for tests.
func NewProximityVerifierAt(store Store, codec *token.Codec, rssiThreshold int, now func() time.Time) *ProximityVerifier {
	return &ProximityVerifier{store: store, codec: codec, rssiThreshold: rssiThreshold, now: now}
}

// CheckIn runs the proximity gates in strict order and, when they all
// pass, attempts the at-most-once insert for (session, student).
// Rejections come back as *RejectedError; anything else is internal.
func (v *ProximityVerifier) CheckIn(ctx context.Context, studentID, tokenPayload string, rssi *int, clientTime *time.Time) (ProximityResult, error) {
	if studentID == "" || tokenPayload == "" {
		return ProximityResult{}, reject(ReasonMissingFields)
	}

	studentUUID, err := uuid.Parse(studentID)
	if err != nil {
		return ProximityResult{}, reject(ReasonInvalidStudent)
	}
	student, err := v.store.GetUser(ctx, studentUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProximityResult{}, reject(ReasonInvalidStudent)
		}
		return ProximityResult{}, err
	}
	if student.Role != db.UserRoleStudent {
		return ProximityResult{}, reject(ReasonInvalidStudent)
	}

	sessionID, _, err := v.codec.Verify(tokenPayload)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrMalformed):
			return ProximityResult{}, reject(ReasonMalformed)
		case errors.Is(err, token.ErrExpired):
			return ProximityResult{}, reject(ReasonExpired)
		case errors.Is(err, token.ErrBadSignature):
			return ProximityResult{}, reject(ReasonBadSignature)
		}
		return ProximityResult{}, err
	}

	sessionUUID, err := uuid.Parse(sessionID)
	if err != nil {
		return ProximityResult{}, reject(ReasonMalformed)
	}
	// Liveness is checked on top of token freshness: a teacher can end a
	// session before its token naturally expires.
	liveSession, err := v.store.GetSession(ctx, sessionUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProximityResult{}, reject(ReasonSessionNotActive)
		}
		return ProximityResult{}, err
	}
	if !liveSession.Active {
		return ProximityResult{}, reject(ReasonSessionNotActive)
	}

	// Soft gate: only an explicit reading below the threshold rejects.
	// Platforms that cannot report signal strength still pass.
	if rssi != nil && *rssi < v.rssiThreshold {
		return ProximityResult{}, &RejectedError{Reason: ReasonRSSIBelowThreshold, RSSI: *rssi}
	}

	checkedInAt := v.now().UTC()
	if clientTime != nil {
		checkedInAt = clientTime.UTC()
	}
	err = v.store.CreateSessionCheckIn(ctx, db.CreateSessionCheckInParams{
		ID:          uuid.New(),
		SessionID:   sessionUUID,
		StudentID:   studentUUID,
		CheckedInAt: checkedInAt,
		RSSI:        rssi,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return ProximityResult{}, reject(ReasonAlreadyCheckedIn)
		}
		return ProximityResult{}, err
	}

	return ProximityResult{SessionID: sessionUUID, StudentID: studentUUID, CheckedInAt: checkedInAt}, nil
}
