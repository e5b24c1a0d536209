package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/faceattend/internal/logging"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve within a scope.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrScopeReleased is returned when a connection scope has already been torn down.
	ErrScopeReleased = errors.New("session: scope released")
)

// Scope identifies the sessions owned by one connection.
type Scope uint64

// AttendanceLoader reads the attendee employee ids of a meeting.
type AttendanceLoader interface {
	LoadAttendantIDs(ctx context.Context, meetingID int64) ([]int64, error)
}

// Options customise a Registry.
type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Registry is the sole writer of session state.
type Registry struct {
	loader AttendanceLoader
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	mu        sync.Mutex
	nextScope Scope
	scopes    map[Scope]*scopeState
	active    int
}

type scopeState struct {
	byID      map[string]*Session
	byMeeting map[int64]*Session
	pending   map[int64]*creation
}

// creation lets concurrent opens of the same meeting wait on a single load.
type creation struct {
	done    chan struct{}
	session *Session
	err     error
}

// NewRegistry builds a registry backed by loader.
func NewRegistry(loader AttendanceLoader, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newSessionID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		loader: loader,
		now:    opts.Now,
		newID:  opts.NewID,
		logger: opts.Logger,
		scopes: make(map[Scope]*scopeState),
	}
}

// newSessionID issues time based (version 1) UUIDs, falling back to random ones.
func newSessionID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewScope registers a connection and returns its scope.
func (r *Registry) NewScope() Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextScope++
	scope := r.nextScope
	r.scopes[scope] = &scopeState{
		byID:      make(map[string]*Session),
		byMeeting: make(map[int64]*Session),
		pending:   make(map[int64]*creation),
	}
	return scope
}

// OpenOrCreate returns the session already open for meetingID in scope, or
// loads the attendee roster and creates one. Concurrent calls for the same
// scope and meeting share one load and one session; isNew is true only for
// the caller that created it.
func (r *Registry) OpenOrCreate(ctx context.Context, scope Scope, meetingID int64) (*Session, bool, error) {
	r.mu.Lock()
	state, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return nil, false, ErrScopeReleased
	}
	if existing, ok := state.byMeeting[meetingID]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	if inflight, ok := state.pending[meetingID]; ok {
		r.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.session, false, inflight.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	state.pending[meetingID] = c
	r.mu.Unlock()

	c.session, c.err = r.create(ctx, meetingID)

	r.mu.Lock()
	delete(state.pending, meetingID)
	if c.err == nil {
		if _, alive := r.scopes[scope]; alive {
			state.byID[c.session.ID] = c.session
			state.byMeeting[meetingID] = c.session
			r.active++
		} else {
			c.session, c.err = nil, ErrScopeReleased
		}
	}
	r.mu.Unlock()
	close(c.done)

	if c.err != nil {
		return nil, false, c.err
	}

	logging.Component(ctx, r.logger, "session_registry", "open",
		"scope", uint64(scope),
		"session_id", c.session.ID,
		"meeting_id", meetingID,
	).InfoContext(ctx, "meeting session created", "attendees", len(c.session.attendees))
	return c.session, true, nil
}

func (r *Registry) create(ctx context.Context, meetingID int64) (*Session, error) {
	if r.loader == nil {
		return nil, errors.New("session: no attendance loader configured")
	}
	ids, err := r.loader.LoadAttendantIDs(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load attendants of meeting %d: %w", meetingID, err)
	}
	return newSession(r.newID(), meetingID, ids, r.now()), nil
}

// Lookup resolves a session owned by scope.
func (r *Registry) Lookup(scope Scope, sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.scopes[scope]
	if !ok {
		return nil, false
	}
	s, ok := state.byID[sessionID]
	return s, ok
}

// Close removes a session from scope. It reports whether anything was removed;
// closing an unknown id is not an error.
func (r *Registry) Close(scope Scope, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.scopes[scope]
	if !ok {
		return false
	}
	s, ok := state.byID[sessionID]
	if !ok {
		return false
	}
	delete(state.byID, sessionID)
	if current, ok := state.byMeeting[s.MeetingID]; ok && current == s {
		delete(state.byMeeting, s.MeetingID)
	}
	r.active--
	return true
}

// Release drops the scope and every session it owns, returning how many
// sessions were removed. Opens still loading for the scope fail with
// ErrScopeReleased.
func (r *Registry) Release(scope Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.scopes[scope]
	if !ok {
		return 0
	}
	delete(r.scopes, scope)
	n := len(state.byID)
	r.active -= n
	return n
}

// Active reports the number of open sessions across all scopes.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
