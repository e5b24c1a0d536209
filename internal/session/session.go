// Package session tracks the meeting sessions opened by streaming clients.
//
// Sessions belong to the connection scope that opened them. A scope is
// created when a connection is accepted and released when it ends, which
// removes every session the connection still owns.
package session

import (
	"sort"
	"sync"
	"time"
)

// Session binds a meeting to the attendee roster captured when it was opened.
// ID, MeetingID, CreatedAt and the attendee set never change after creation.
type Session struct {
	ID        string
	MeetingID int64
	CreatedAt time.Time

	attendees map[int64]struct{}

	mu   sync.Mutex
	seen map[int64]struct{}
}

func newSession(id string, meetingID int64, attendeeIDs []int64, createdAt time.Time) *Session {
	attendees := make(map[int64]struct{}, len(attendeeIDs))
	for _, aid := range attendeeIDs {
		attendees[aid] = struct{}{}
	}
	return &Session{
		ID:        id,
		MeetingID: meetingID,
		CreatedAt: createdAt,
		attendees: attendees,
		seen:      make(map[int64]struct{}),
	}
}

// IsAttendee reports whether the employee is on the meeting roster.
func (s *Session) IsAttendee(employeeID int64) bool {
	if s == nil {
		return false
	}
	_, ok := s.attendees[employeeID]
	return ok
}

// attendeeIDs returns the roster in ascending order.
func (s *Session) attendeeIDs() []int64 {
	if s == nil {
		return nil
	}
	ids := make([]int64, 0, len(s.attendees))
	for id := range s.attendees {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkSeen records that an employee was recognised in this session and
// reports whether this is the first sighting.
func (s *Session) MarkSeen(employeeID int64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[employeeID]; ok {
		return false
	}
	s.seen[employeeID] = struct{}{}
	return true
}
