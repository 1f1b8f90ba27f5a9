package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is the domain-level face of a unique-constraint violation.
// Check-in flows insert first and treat this as the duplicate signal; they
// never pre-read for existence.
var ErrDuplicate = errors.New("duplicate")

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Users

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, email, name, role
		FROM users
		WHERE id = $1
	`, id)
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role); err != nil {
		return User{}, err
	}
	return user, nil
}

// Sessions

type CreateSessionParams struct {
	ID         uuid.UUID
	TeacherID  uuid.UUID
	CourseCode string
	Token      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

func (q *Queries) CreateSession(ctx context.Context, params CreateSessionParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sessions (id, teacher_id, course_code, token, active, started_at, ended_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
	`, params.ID, params.TeacherID, params.CourseCode, params.Token, params.StartedAt, params.EndedAt)
	return err
}

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, teacher_id, course_code, token, active, started_at, ended_at
		FROM sessions
		WHERE id = $1
	`, id)
	var session Session
	if err := row.Scan(&session.ID, &session.TeacherID, &session.CourseCode, &session.Token, &session.Active, &session.StartedAt, &session.EndedAt); err != nil {
		return Session{}, err
	}
	return session, nil
}

type EndSessionParams struct {
	ID      uuid.UUID
	EndedAt time.Time
}

// EndSession deactivates a session. Ending an already-ended session leaves
// the original end time in place and still returns the row.
func (q *Queries) EndSession(ctx context.Context, params EndSessionParams) (Session, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE sessions
		SET active = FALSE, ended_at = COALESCE(ended_at, $2)
		WHERE id = $1
		RETURNING id, teacher_id, course_code, token, active, started_at, ended_at
	`, params.ID, params.EndedAt)
	var session Session
	if err := row.Scan(&session.ID, &session.TeacherID, &session.CourseCode, &session.Token, &session.Active, &session.StartedAt, &session.EndedAt); err != nil {
		return Session{}, err
	}
	return session, nil
}

// CloseExpiredSessions deactivates active sessions whose precomputed end
// time has elapsed, and returns how many were closed.
func (q *Queries) CloseExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE sessions
		SET active = FALSE
		WHERE active = TRUE AND ended_at IS NOT NULL AND ended_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type CreateSessionCheckInParams struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	StudentID   uuid.UUID
	CheckedInAt time.Time
	RSSI        *int
}

// CreateSessionCheckIn inserts the at-most-once record for a (session,
// student) pair. The composite unique index is the arbiter under
// concurrent attempts; a violation comes back as ErrDuplicate.
func (q *Queries) CreateSessionCheckIn(ctx context.Context, params CreateSessionCheckInParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO session_checkins (id, session_id, student_id, checked_in_at, rssi, verified)
		VALUES ($1, $2, $3, $4, $5, TRUE)
	`, params.ID, params.SessionID, params.StudentID, params.CheckedInAt, params.RSSI)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

type ListSessionCheckInsParams struct {
	SessionID uuid.UUID
	Limit     int32
}

func (q *Queries) ListSessionCheckIns(ctx context.Context, params ListSessionCheckInsParams) ([]SessionCheckIn, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, session_id, student_id, checked_in_at, rssi, verified
		FROM session_checkins
		WHERE session_id = $1
		ORDER BY checked_in_at
		LIMIT $2
	`, params.SessionID, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []SessionCheckIn
	for rows.Next() {
		var checkIn SessionCheckIn
		if err := rows.Scan(&checkIn.ID, &checkIn.SessionID, &checkIn.StudentID, &checkIn.CheckedInAt, &checkIn.RSSI, &checkIn.Verified); err != nil {
			return nil, err
		}
		result = append(result, checkIn)
	}
	return result, rows.Err()
}

// Classes

func (q *Queries) GetClass(ctx context.Context, id uuid.UUID) (Class, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, name, latitude, longitude, qr_payload, qr_expires_at
		FROM classes
		WHERE id = $1
	`, id)
	var class Class
	if err := row.Scan(&class.ID, &class.Name, &class.Latitude, &class.Longitude, &class.QRPayload, &class.QRExpiresAt); err != nil {
		return Class{}, err
	}
	return class, nil
}

type UpdateClassQRParams struct {
	ID          uuid.UUID
	QRPayload   string
	QRExpiresAt time.Time
}

func (q *Queries) UpdateClassQR(ctx context.Context, params UpdateClassQRParams) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE classes
		SET qr_payload = $2, qr_expires_at = $3
		WHERE id = $1
	`, params.ID, params.QRPayload, params.QRExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type IsStudentEnrolledParams struct {
	ClassID   uuid.UUID
	StudentID uuid.UUID
}

func (q *Queries) IsStudentEnrolled(ctx context.Context, params IsStudentEnrolledParams) (bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM class_enrollments
			WHERE class_id = $1 AND student_id = $2
		)
	`, params.ClassID, params.StudentID)
	var enrolled bool
	if err := row.Scan(&enrolled); err != nil {
		return false, err
	}
	return enrolled, nil
}

type CreateClassAttendanceParams struct {
	ID        uuid.UUID
	ClassID   uuid.UUID
	StudentID uuid.UUID
	Status    AttendanceStatus
	Method    AttendanceMethod
	Latitude  float64
	Longitude float64
	MarkedAt  time.Time
}

func (q *Queries) CreateClassAttendance(ctx context.Context, params CreateClassAttendanceParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO class_attendance (id, class_id, student_id, status, method, latitude, longitude, marked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, params.ID, params.ClassID, params.StudentID, params.Status, params.Method, params.Latitude, params.Longitude, params.MarkedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

type ListClassAttendanceParams struct {
	ClassID uuid.UUID
	Limit   int32
}

func (q *Queries) ListClassAttendance(ctx context.Context, params ListClassAttendanceParams) ([]ClassAttendance, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, class_id, student_id, status, method, latitude, longitude, marked_at
		FROM class_attendance
		WHERE class_id = $1
		ORDER BY marked_at
		LIMIT $2
	`, params.ClassID, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []ClassAttendance
	for rows.Next() {
		var record ClassAttendance
		if err := rows.Scan(&record.ID, &record.ClassID, &record.StudentID, &record.Status, &record.Method, &record.Latitude, &record.Longitude, &record.MarkedAt); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}
