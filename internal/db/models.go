package db

import (
	"time"

	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleStudent UserRole = "student"
	UserRoleTeacher UserRole = "teacher"
	UserRoleAdmin   UserRole = "admin"
)

type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "present"
	AttendanceStatusLate    AttendanceStatus = "late"
	AttendanceStatusAbsent  AttendanceStatus = "absent"
)

type AttendanceMethod string

const (
	AttendanceMethodQR     AttendanceMethod = "qr"
	AttendanceMethodManual AttendanceMethod = "manual"
)

type User struct {
	ID    uuid.UUID
	Email string
	Name  string
	Role  UserRole
}

// Session is one live teaching session broadcasting a proximity token.
// The token is signed once at creation and never regenerated.
type Session struct {
	ID         uuid.UUID
	TeacherID  uuid.UUID
	CourseCode string
	Token      string
	Active     bool
	StartedAt  time.Time
	EndedAt    *time.Time
}

type SessionCheckIn struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	StudentID   uuid.UUID
	CheckedInAt time.Time
	RSSI        *int
	Verified    bool
}

// Class is a scheduled meeting with a registered geolocation. The current
// QR payload lives on the row; the attendance list is always derived by
// query, never stored alongside it.
type Class struct {
	ID          uuid.UUID
	Name        string
	Latitude    float64
	Longitude   float64
	QRPayload   *string
	QRExpiresAt *time.Time
}

type ClassAttendance struct {
	ID        uuid.UUID
	ClassID   uuid.UUID
	StudentID uuid.UUID
	Status    AttendanceStatus
	Method    AttendanceMethod
	Latitude  float64
	Longitude float64
	MarkedAt  time.Time
}
