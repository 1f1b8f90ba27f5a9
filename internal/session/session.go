// Package session issues and ends the live teaching sessions that
// broadcast proximity tokens.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rollcall/internal/db"
	"rollcall/internal/token"
)

var ErrNotFound = errors.New("session_not_found")

type Store interface {
	CreateSession(ctx context.Context, params db.CreateSessionParams) error
	GetSession(ctx context.Context, id uuid.UUID) (db.Session, error)
	EndSession(ctx context.Context, params db.EndSessionParams) (db.Session, error)
}

type Authority struct {
	store Store
	codec *token.Codec
	now   func() time.Time
}

func NewAuthority(store Store, codec *token.Codec) *Authority {
	return &Authority{store: store, codec: codec, now: time.Now}
}

// NewAuthorityAt pins the clock for tests.
func NewAuthorityAt(store Store, codec *token.Codec, now func() time.Time) *Authority {
	return &Authority{store: store, codec: codec, now: now}
}

// Create starts a session for a teacher. The broadcast token is signed
// here, exactly once, over the fresh session id and start time; it is
// never regenerated afterwards. A positive duration precomputes the end
// time but deactivation stays explicit (End or the sweep job).
func (a *Authority) Create(ctx context.Context, teacherID uuid.UUID, courseCode string, duration time.Duration) (db.Session, error) {
	id := uuid.New()
	now := a.now().UTC()

	var endedAt *time.Time
	if duration > 0 {
		end := now.Add(duration)
		endedAt = &end
	}

	session := db.Session{
		ID:         id,
		TeacherID:  teacherID,
		CourseCode: courseCode,
		Token:      a.codec.Sign(id.String(), now),
		Active:     true,
		StartedAt:  now,
		EndedAt:    endedAt,
	}
	if err := a.store.CreateSession(ctx, db.CreateSessionParams{
		ID:         session.ID,
		TeacherID:  session.TeacherID,
		CourseCode: session.CourseCode,
		Token:      session.Token,
		StartedAt:  session.StartedAt,
		EndedAt:    session.EndedAt,
	}); err != nil {
		return db.Session{}, err
	}
	return session, nil
}

// End deactivates a session. Ending an already-ended session is a no-op
// success returning the stored row; the original end time is kept.
func (a *Authority) End(ctx context.Context, id uuid.UUID) (db.Session, error) {
	session, err := a.store.EndSession(ctx, db.EndSessionParams{ID: id, EndedAt: a.now().UTC()})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Session{}, ErrNotFound
		}
		return db.Session{}, err
	}
	return session, nil
}

func (a *Authority) Get(ctx context.Context, id uuid.UUID) (db.Session, error) {
	session, err := a.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Session{}, ErrNotFound
		}
		return db.Session{}, err
	}
	return session, nil
}
