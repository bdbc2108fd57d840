package territory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNoSession is returned when a fix arrives for a user without an active session
var ErrNoSession = errors.New("no active session")

// session is one user's tracked activity and its territory store
type session struct {
	userID    string
	activity  ActivityType
	startedAt time.Time

	mu      sync.Mutex
	route   []Coordinate
	lastFix time.Time
	active  bool
	store   *Store
}

// clock drives the store's debounce from fix timestamps, falling back to
// wall time before the first fix
func (s *session) clock() time.Time {
	if s.lastFix.IsZero() {
		return time.Now()
	}
	return s.lastFix
}

// SessionInfo is a read-only summary of a session
type SessionInfo struct {
	UserID      string       `json:"userId"`
	Activity    ActivityType `json:"activity"`
	StartedAt   time.Time    `json:"startedAt"`
	Active      bool         `json:"active"`
	Points      int          `json:"points"`
	Territories int          `json:"territories"`
}

// Tracker keeps one session per user and feeds their fixes through the loop
// detector. All sessions claim through the same Service.
type Tracker struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	service   Service
	opts      []StoreOption
	listeners []EventHandler
}

// NewTracker creates a tracker whose stores use service and opts
func NewTracker(service Service, opts ...StoreOption) *Tracker {
	return &Tracker{
		sessions: make(map[string]*session),
		service:  service,
		opts:     opts,
	}
}

// AddListener registers a handler for events from every session's store,
// including sessions created later
func (t *Tracker) AddListener(h EventHandler) {
	if h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, h)
}

func (t *Tracker) forward(ev Event) {
	t.mu.RLock()
	listeners := make([]EventHandler, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, h := range listeners {
		h(ev)
	}
}

// Start begins a new activity for userID, resetting its session state.
// Territories captured in earlier sessions stay in the user's store.
func (t *Tracker) Start(userID string, activity ActivityType) {
	t.mu.Lock()
	sess, ok := t.sessions[userID]
	if !ok {
		sess = &session{userID: userID}
		opts := append([]StoreOption{WithClock(sess.clock), WithOwner(userID)}, t.opts...)
		sess.store = NewStore(t.service, opts...)
		sess.store.AddListener(t.forward)
		t.sessions[userID] = sess
	}
	t.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.activity = activity
	sess.startedAt = time.Now()
	sess.route = nil
	sess.lastFix = time.Time{}
	sess.active = true
	sess.store.ResetSession()
}

func (t *Tracker) lookup(userID string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[userID]
	return sess, ok
}

// AddFix appends a fix to the user's route and runs loop detection.
// It reports whether a capture was started.
func (t *Tracker) AddFix(userID string, fix Fix) (bool, error) {
	sess, ok := t.lookup(userID)
	if !ok {
		return false, fmt.Errorf("%w for %s", ErrNoSession, userID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.active {
		return false, fmt.Errorf("%w for %s", ErrNoSession, userID)
	}
	if !ValidCoordinate(fix.Coordinate) {
		return false, fmt.Errorf("invalid coordinate %v for %s", fix.Coordinate, userID)
	}

	if fix.Time.IsZero() {
		fix.Time = time.Now()
	}
	if fix.Time.After(sess.lastFix) {
		sess.lastFix = fix.Time
	}
	sess.route = append(sess.route, fix.Coordinate)

	_, captured := sess.store.CheckRouteForLoops(sess.route, sess.activity, userID)
	return captured, nil
}

// Finish ends the user's activity, running the end-of-session fallback on
// the whole route. It reports whether the fallback started a capture.
func (t *Tracker) Finish(userID string) (bool, error) {
	sess, ok := t.lookup(userID)
	if !ok {
		return false, fmt.Errorf("%w for %s", ErrNoSession, userID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.active {
		return false, fmt.Errorf("%w for %s", ErrNoSession, userID)
	}
	sess.active = false

	_, captured := sess.store.CaptureTerritoryIfNeeded(sess.activity, sess.route, userID)
	return captured, nil
}

// Refresh reloads the backend's territories into the user's store
func (t *Tracker) Refresh(ctx context.Context, userID string) error {
	sess, ok := t.lookup(userID)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoSession, userID)
	}
	return sess.store.Refresh(ctx)
}

// Store returns the user's territory store
func (t *Tracker) Store(userID string) (*Store, bool) {
	sess, ok := t.lookup(userID)
	if !ok {
		return nil, false
	}
	return sess.store, true
}

// SessionTerritories returns the captures of the user's current session
func (t *Tracker) SessionTerritories(userID string) []Territory {
	sess, ok := t.lookup(userID)
	if !ok {
		return nil
	}
	return sess.store.ActiveSessionTerritories()
}

// AllTerritories merges every session's known territories, unique by id
func (t *Tracker) AllTerritories() []Territory {
	var all []Territory
	for _, id := range t.UserIDs() {
		sess, _ := t.lookup(id)
		for _, terr := range sess.store.Territories() {
			if indexByID(all, terr.ID) < 0 {
				all = append(all, terr)
			}
		}
	}
	return all
}

// UserIDs returns the users with a session, sorted
func (t *Tracker) UserIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns a summary of every session
func (t *Tracker) Sessions() []SessionInfo {
	var out []SessionInfo
	for _, id := range t.UserIDs() {
		sess, _ := t.lookup(id)
		sess.mu.Lock()
		info := SessionInfo{
			UserID:    sess.userID,
			Activity:  sess.activity,
			StartedAt: sess.startedAt,
			Active:    sess.active,
			Points:    len(sess.route),
		}
		sess.mu.Unlock()
		info.Territories = len(sess.store.ActiveSessionTerritories())
		out = append(out, info)
	}
	return out
}

// Wait blocks until every session's in-flight claims have settled
func (t *Tracker) Wait() {
	for _, id := range t.UserIDs() {
		if sess, ok := t.lookup(id); ok {
			sess.store.Wait()
		}
	}
}

// Close cancels in-flight claims in every session
func (t *Tracker) Close() {
	for _, id := range t.UserIDs() {
		if sess, ok := t.lookup(id); ok {
			sess.store.Close()
		}
	}
}
