package checkin

import "fmt"

// Rejection reasons. Each verification gate short-circuits with exactly
// one of these.
const (
	ReasonMissingFields      = "missing_fields"
	ReasonInvalidStudent     = "invalid_student"
	ReasonMalformed          = "malformed"
	ReasonExpired            = "expired"
	ReasonBadSignature       = "bad_sig"
	ReasonSessionNotActive   = "session_not_active"
	ReasonRSSIBelowThreshold = "rssi_below_threshold"
	ReasonAlreadyCheckedIn   = "already_checked_in"
	ReasonInvalidQRFormat    = "invalid_qr_format"
	ReasonInvalidQRSignature = "invalid_qr_signature"
	ReasonQRExpired          = "qr_expired"
	ReasonClassNotFound      = "class_not_found"
	ReasonNotEnrolled        = "not_enrolled"
	ReasonTooFar             = "too_far"
	ReasonAlreadyMarked      = "already_marked"
)

// RejectedError is the expected outcome of a failed gate, distinct from
// internal failures which propagate as plain errors.
type RejectedError struct {
	Reason string

	// DistanceMeters carries the measured distance on too_far rejections.
	DistanceMeters float64
	// RSSI carries the observed reading on rssi_below_threshold rejections.
	RSSI int
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonTooFar:
		return fmt.Sprintf("%s: %.0fm from class location", e.Reason, e.DistanceMeters)
	case ReasonRSSIBelowThreshold:
		return fmt.Sprintf("%s: observed %d", e.Reason, e.RSSI)
	default:
		return e.Reason
	}
}

func reject(reason string) *RejectedError {
	return &RejectedError{Reason: reason}
}
