package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/db"
	"rollcall/internal/token"
)

func intPtr(v int) *int { return &v }

type proximityFixture struct {
	store     *fakeStore
	verifier  *ProximityVerifier
	studentID uuid.UUID
	sessionID uuid.UUID
	payload   string
}

func newProximityFixture(t *testing.T, now time.Time) *proximityFixture {
	t.Helper()
	store := newFakeStore()
	codec := token.NewCodecAt("test-secret", 300*time.Second, func() time.Time { return now })

	studentID := uuid.New()
	store.addStudent(studentID)

	sessionID := uuid.New()
	payload := codec.Sign(sessionID.String(), now)
	store.addSession(db.Session{
		ID:         sessionID,
		TeacherID:  uuid.New(),
		CourseCode: "CS101",
		Token:      payload,
		Active:     true,
		StartedAt:  now,
	})

	verifier := NewProximityVerifierAt(store, codec, -75, func() time.Time { return now })
	return &proximityFixture{store: store, verifier: verifier, studentID: studentID, sessionID: sessionID, payload: payload}
}

func requireReason(t *testing.T, err error, reason string) *RejectedError {
	t.Helper()
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejection %s, got %v", reason, err)
	}
	if rejected.Reason != reason {
		t.Fatalf("expected reason %s, got %s", reason, rejected.Reason)
	}
	return rejected
}

func TestProximityHappyPath(t *testing.T) {
	now := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	f := newProximityFixture(t, now)

	result, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-60), nil)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if result.SessionID != f.sessionID || result.StudentID != f.studentID {
		t.Fatalf("unexpected result: %+v", result)
	}
	if f.store.checkInCount() != 1 {
		t.Fatalf("expected exactly one record, got %d", f.store.checkInCount())
	}
}

func TestProximityMissingFields(t *testing.T) {
	f := newProximityFixture(t, time.Now().UTC())

	_, err := f.verifier.CheckIn(context.Background(), "", f.payload, nil, nil)
	requireReason(t, err, ReasonMissingFields)

	_, err = f.verifier.CheckIn(context.Background(), f.studentID.String(), "", nil, nil)
	requireReason(t, err, ReasonMissingFields)
}

func TestProximityInvalidStudent(t *testing.T) {
	f := newProximityFixture(t, time.Now().UTC())

	_, err := f.verifier.CheckIn(context.Background(), uuid.NewString(), f.payload, nil, nil)
	requireReason(t, err, ReasonInvalidStudent)

	_, err = f.verifier.CheckIn(context.Background(), "not-a-uuid", f.payload, nil, nil)
	requireReason(t, err, ReasonInvalidStudent)

	// A teacher cannot check in as a student.
	teacherID := uuid.New()
	f.store.mu.Lock()
	f.store.users[teacherID] = db.User{ID: teacherID, Role: db.UserRoleTeacher}
	f.store.mu.Unlock()
	_, err = f.verifier.CheckIn(context.Background(), teacherID.String(), f.payload, nil, nil)
	requireReason(t, err, ReasonInvalidStudent)
}

func TestProximityTokenReasonsPassThrough(t *testing.T) {
	now := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	f := newProximityFixture(t, now)

	_, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), "!!!not-a-token!!!", nil, nil)
	requireReason(t, err, ReasonMalformed)

	otherCodec := token.NewCodecAt("other-secret", 300*time.Second, func() time.Time { return now })
	forged := otherCodec.Sign(f.sessionID.String(), now)
	_, err = f.verifier.CheckIn(context.Background(), f.studentID.String(), forged, nil, nil)
	requireReason(t, err, ReasonBadSignature)

	staleCodec := token.NewCodecAt("test-secret", 300*time.Second, func() time.Time { return now })
	stale := staleCodec.Sign(f.sessionID.String(), now.Add(-301*time.Second))
	_, err = f.verifier.CheckIn(context.Background(), f.studentID.String(), stale, nil, nil)
	requireReason(t, err, ReasonExpired)
}

func TestProximitySessionLiveness(t *testing.T) {
	now := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	f := newProximityFixture(t, now)

	// Teacher ended the session before the token expired.
	f.store.mu.Lock()
	ended := f.store.sessions[f.sessionID]
	ended.Active = false
	f.store.sessions[f.sessionID] = ended
	f.store.mu.Unlock()

	_, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, nil, nil)
	requireReason(t, err, ReasonSessionNotActive)

	// A token for a session that does not exist at all.
	codec := token.NewCodecAt("test-secret", 300*time.Second, func() time.Time { return now })
	ghost := codec.Sign(uuid.NewString(), now)
	_, err = f.verifier.CheckIn(context.Background(), f.studentID.String(), ghost, nil, nil)
	requireReason(t, err, ReasonSessionNotActive)
}

func TestProximityRSSIGate(t *testing.T) {
	f := newProximityFixture(t, time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC))

	_, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-90), nil)
	rejected := requireReason(t, err, ReasonRSSIBelowThreshold)
	if rejected.RSSI != -90 {
		t.Fatalf("expected observed reading -90, got %d", rejected.RSSI)
	}
	if f.store.checkInCount() != 0 {
		t.Fatalf("rejected check-in must not persist, got %d records", f.store.checkInCount())
	}

	// Threshold is inclusive: a reading at exactly the threshold passes.
	if _, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-75), nil); err != nil {
		t.Fatalf("reading at threshold should pass: %v", err)
	}
}

func TestProximityNoReadingPasses(t *testing.T) {
	f := newProximityFixture(t, time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC))

	if _, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, nil, nil); err != nil {
		t.Fatalf("absent reading should pass the soft gate: %v", err)
	}
}

func TestProximityDuplicateSequential(t *testing.T) {
	f := newProximityFixture(t, time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC))

	if _, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-60), nil); err != nil {
		t.Fatalf("first check-in failed: %v", err)
	}
	_, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-60), nil)
	requireReason(t, err, ReasonAlreadyCheckedIn)
	if f.store.checkInCount() != 1 {
		t.Fatalf("expected exactly one record, got %d", f.store.checkInCount())
	}
}

func TestProximityDuplicateConcurrent(t *testing.T) {
	f := newProximityFixture(t, time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC))

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, intPtr(-60), nil)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		requireReason(t, err, ReasonAlreadyCheckedIn)
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted attempt, got %d", accepted)
	}
	if f.store.checkInCount() != 1 {
		t.Fatalf("expected exactly one record, got %d", f.store.checkInCount())
	}
}

func TestProximityClientTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	f := newProximityFixture(t, now)

	clientTime := now.Add(-30 * time.Second)
	result, err := f.verifier.CheckIn(context.Background(), f.studentID.String(), f.payload, nil, &clientTime)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if !result.CheckedInAt.Equal(clientTime) {
		t.Fatalf("expected client timestamp %s, got %s", clientTime, result.CheckedInAt)
	}
}
