package checkin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rollcall/internal/db"
	"rollcall/internal/geo"
	"rollcall/internal/qr"
)

type QRResult struct {
	ClassID   uuid.UUID
	StudentID uuid.UUID
	MarkedAt  time.Time
}

type QRVerifier struct {
	store       Store
	codec       *qr.Codec
	maxDistance float64
	now         func() time.Time
}

func NewQRVerifier(store Store, codec *qr.Codec, maxDistanceMeters float64) *QRVerifier {
	return &QRVerifier{store: store, codec: codec, maxDistance: maxDistanceMeters, now: time.Now}
}

// NewQRVerifierAt pins the clock for tests.
func NewQRVerifierAt(store Store, codec *qr.Codec, maxDistanceMeters float64, now func() time.Time) *QRVerifier {
	return &QRVerifier{store: store, codec: codec, maxDistance: maxDistanceMeters, now: now}
}

// GenerateQR produces a fresh payload for a class and persists it on the
// class row. The expiry is fixed now; regenerating later is a new payload,
// never an extension of this one.
func (v *QRVerifier) GenerateQR(ctx context.Context, classID uuid.UUID) (string, qr.Payload, error) {
	if _, err := v.store.GetClass(ctx, classID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", qr.Payload{}, reject(ReasonClassNotFound)
		}
		return "", qr.Payload{}, err
	}

	raw, payload, err := v.codec.Generate(classID.String(), v.now())
	if err != nil {
		return "", qr.Payload{}, err
	}
	if err := v.store.UpdateClassQR(ctx, db.UpdateClassQRParams{
		ID:          classID,
		QRPayload:   raw,
		QRExpiresAt: payload.ExpiresAt,
	}); err != nil {
		return "", qr.Payload{}, err
	}
	return raw, payload, nil
}

// MarkAttendance runs the QR gates in strict order: decode, expiry, class,
// roster, geofence, then the at-most-once insert for (class, student).
func (v *QRVerifier) MarkAttendance(ctx context.Context, studentID, rawPayload string, lat, lng *float64) (QRResult, error) {
	if studentID == "" || rawPayload == "" || lat == nil || lng == nil {
		return QRResult{}, reject(ReasonMissingFields)
	}
	studentUUID, err := uuid.Parse(studentID)
	if err != nil {
		return QRResult{}, reject(ReasonInvalidStudent)
	}

	payload, err := v.codec.Decode(rawPayload)
	if err != nil {
		if errors.Is(err, qr.ErrBadSignature) {
			return QRResult{}, reject(ReasonInvalidQRSignature)
		}
		return QRResult{}, reject(ReasonInvalidQRFormat)
	}

	now := v.now().UTC()
	if now.After(payload.ExpiresAt) {
		return QRResult{}, reject(ReasonQRExpired)
	}

	classUUID, err := uuid.Parse(payload.ClassID)
	if err != nil {
		return QRResult{}, reject(ReasonInvalidQRFormat)
	}
	class, err := v.store.GetClass(ctx, classUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QRResult{}, reject(ReasonClassNotFound)
		}
		return QRResult{}, err
	}

	enrolled, err := v.store.IsStudentEnrolled(ctx, db.IsStudentEnrolledParams{ClassID: classUUID, StudentID: studentUUID})
	if err != nil {
		return QRResult{}, err
	}
	if !enrolled {
		return QRResult{}, reject(ReasonNotEnrolled)
	}

	distance := geo.DistanceMeters(*lat, *lng, class.Latitude, class.Longitude)
	if distance > v.maxDistance {
		return QRResult{}, &RejectedError{Reason: ReasonTooFar, DistanceMeters: distance}
	}

	err = v.store.CreateClassAttendance(ctx, db.CreateClassAttendanceParams{
		ID:        uuid.New(),
		ClassID:   classUUID,
		StudentID: studentUUID,
		Status:    db.AttendanceStatusPresent,
		Method:    db.AttendanceMethodQR,
		Latitude:  *lat,
		Longitude: *lng,
		MarkedAt:  now,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return QRResult{}, reject(ReasonAlreadyMarked)
		}
		return QRResult{}, err
	}

	return QRResult{ClassID: classUUID, StudentID: studentUUID, MarkedAt: now}, nil
}
