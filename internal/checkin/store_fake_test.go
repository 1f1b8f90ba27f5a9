package checkin

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rollcall/internal/db"
)

type pairKey struct {
	left  uuid.UUID
	right uuid.UUID
}

// fakeStore emulates the storage contract, including the atomic
// uniqueness guarantee on the check-in inserts.
type fakeStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]db.User
	sessions    map[uuid.UUID]db.Session
	classes     map[uuid.UUID]db.Class
	enrollments map[pairKey]bool
	checkIns    map[pairKey]db.CreateSessionCheckInParams
	attendance  map[pairKey]db.CreateClassAttendanceParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[uuid.UUID]db.User),
		sessions:    make(map[uuid.UUID]db.Session),
		classes:     make(map[uuid.UUID]db.Class),
		enrollments: make(map[pairKey]bool),
		checkIns:    make(map[pairKey]db.CreateSessionCheckInParams),
		attendance:  make(map[pairKey]db.CreateClassAttendanceParams),
	}
}

func (s *fakeStore) GetUser(_ context.Context, id uuid.UUID) (db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return db.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (s *fakeStore) GetSession(_ context.Context, id uuid.UUID) (db.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return db.Session{}, pgx.ErrNoRows
	}
	return session, nil
}

func (s *fakeStore) CreateSessionCheckIn(_ context.Context, params db.CreateSessionCheckInParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{params.SessionID, params.StudentID}
	if _, exists := s.checkIns[key]; exists {
		return db.ErrDuplicate
	}
	s.checkIns[key] = params
	return nil
}

func (s *fakeStore) GetClass(_ context.Context, id uuid.UUID) (db.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	class, ok := s.classes[id]
	if !ok {
		return db.Class{}, pgx.ErrNoRows
	}
	return class, nil
}

func (s *fakeStore) UpdateClassQR(_ context.Context, params db.UpdateClassQRParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	class, ok := s.classes[params.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	payload := params.QRPayload
	expires := params.QRExpiresAt
	class.QRPayload = &payload
	class.QRExpiresAt = &expires
	s.classes[params.ID] = class
	return nil
}

func (s *fakeStore) IsStudentEnrolled(_ context.Context, params db.IsStudentEnrolledParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollments[pairKey{params.ClassID, params.StudentID}], nil
}

func (s *fakeStore) CreateClassAttendance(_ context.Context, params db.CreateClassAttendanceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{params.ClassID, params.StudentID}
	if _, exists := s.attendance[key]; exists {
		return db.ErrDuplicate
	}
	s.attendance[key] = params
	return nil
}

func (s *fakeStore) addStudent(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = db.User{ID: id, Role: db.UserRoleStudent}
}

func (s *fakeStore) addSession(session db.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *fakeStore) addClass(class db.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class.ID] = class
}

func (s *fakeStore) enroll(classID, studentID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[pairKey{classID, studentID}] = true
}

func (s *fakeStore) checkInCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkIns)
}

func (s *fakeStore) attendanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attendance)
}
