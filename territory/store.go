package territory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localIDPrefix marks optimistic territories that the backend has not confirmed
const localIDPrefix = "local-"

// EventKind identifies a published store change
type EventKind string

const (
	EventCaptured  EventKind = "captured"  // optimistic entry published
	EventConfirmed EventKind = "confirmed" // optimistic entry swapped for the authoritative one
	EventRetracted EventKind = "retracted" // claim failed, optimistic entry removed
	EventRefreshed EventKind = "refreshed" // territories replaced from the backend
	EventReset     EventKind = "reset"     // session captures cleared for a new activity
)

// Event describes a committed change to a store's published state.
// TempID is the optimistic id for capture events; Err is set on retraction.
type Event struct {
	Kind      EventKind
	UserID    string
	TempID    string
	Territory Territory
	Err       error
}

// EventHandler is called after a store mutation is committed
type EventHandler func(Event)

// StoreOption configures a Store
type StoreOption func(*Store)

// WithThresholds overrides the capture constants. Zero fields keep defaults.
func WithThresholds(t Thresholds) StoreOption {
	return func(s *Store) {
		s.thresholds = t.withDefaults()
	}
}

// WithClock sets the time source used for debouncing
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClaimTimeout bounds each remote claim call
func WithClaimTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.claimTimeout = d
	}
}

// WithOwner sets the user reported on events that no capture identifies,
// such as session resets
func WithOwner(userID string) StoreOption {
	return func(s *Store) {
		s.owner = userID
	}
}

// Store owns the captured territories of one tracked activity session.
//
// Loop detection runs synchronously in the caller's goroutine. Remote claims
// run in their own goroutines and reconcile through the same mutex, so readers
// never observe a half-applied optimistic-to-confirmed swap.
type Store struct {
	service      Service
	owner        string
	thresholds   Thresholds
	now          func() time.Time
	claimTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu               sync.RWMutex
	territories      []Territory
	active           []Territory
	lastCheckedIndex int
	lastCaptureTime  time.Time

	listenerMu sync.RWMutex
	listeners  []EventHandler
}

// NewStore creates a store that claims captures through service
func NewStore(service Service, opts ...StoreOption) *Store {
	s := &Store{
		service:    service,
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// AddListener registers a handler for store events. Handlers run
// synchronously, outside the store lock, in registration order.
func (s *Store) AddListener(h EventHandler) {
	if h == nil {
		return
	}
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, h)
}

func (s *Store) emit(ev Event) {
	s.listenerMu.RLock()
	listeners := make([]EventHandler, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()

	for _, h := range listeners {
		h(ev)
	}
}

// ResetSession starts a new tracked activity. In-flight claims are left to
// finish; their reconciliation tolerates the missing session entries.
func (s *Store) ResetSession() {
	s.mu.Lock()
	s.active = nil
	s.lastCheckedIndex = 0
	s.lastCaptureTime = time.Time{}
	s.mu.Unlock()

	s.emit(Event{Kind: EventReset, UserID: s.owner})
}

// Territories returns a copy of every known territory
func (s *Store) Territories() []Territory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.territories)
}

// ActiveSessionTerritories returns a copy of the current session's captures
func (s *Store) ActiveSessionTerritories() []Territory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.active)
}

// Territory looks up a known territory by id
func (s *Store) Territory(id string) (Territory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexByID(s.territories, id); i >= 0 {
		return s.territories[i].clone(), true
	}
	return Territory{}, false
}

// LastCheckedIndex returns the highest coordinate index already cleared
func (s *Store) LastCheckedIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheckedIndex
}

// CheckRouteForLoops inspects the tail of coords for a newly closed loop and,
// if one validates, publishes an optimistic capture and submits the claim.
// It is meant to be called once per new fix with the full route so far.
// Ineligible activities, short routes, the debounce window and invalid loops
// are silent no-ops. Returns the optimistic territory when a capture started.
func (s *Store) CheckRouteForLoops(coords []Coordinate, activity ActivityType, userID string) (Territory, bool) {
	if !activity.Eligible() {
		return Territory{}, false
	}
	th := s.thresholds
	if len(coords) < th.MinCoordinates {
		return Territory{}, false
	}

	s.mu.Lock()
	now := s.now()
	if !s.lastCaptureTime.IsZero() && now.Sub(s.lastCaptureTime) <= th.Debounce {
		s.mu.Unlock()
		return Territory{}, false
	}

	currentIndex := len(coords) - 1
	searchEndIndex := currentIndex - th.RecentBuffer
	if searchEndIndex <= s.lastCheckedIndex {
		s.mu.Unlock()
		return Territory{}, false
	}

	start := -1
	current := coords[currentIndex]
	for i := searchEndIndex; i >= s.lastCheckedIndex; i-- {
		if Distance(coords[i], current) < th.ClosureDistance {
			start = i
			break
		}
	}
	if start < 0 {
		s.mu.Unlock()
		return Territory{}, false
	}

	loop := coords[start : currentIndex+1]
	if !s.validLoop(loop) {
		s.mu.Unlock()
		return Territory{}, false
	}

	local := s.captureLocked(loop, activity, userID)
	s.lastCheckedIndex = currentIndex
	s.lastCaptureTime = now
	s.mu.Unlock()

	s.startClaim(local)
	return local.clone(), true
}

// CaptureTerritoryIfNeeded is the end-of-session fallback: when the whole
// route starts and ends close together it is captured as one territory,
// regardless of what the live scanner saw. The scanner's index and debounce
// are left untouched.
func (s *Store) CaptureTerritoryIfNeeded(activity ActivityType, route []Coordinate, userID string) (Territory, bool) {
	if !activity.Eligible() {
		return Territory{}, false
	}
	th := s.thresholds
	if len(route) < th.FallbackMinPoints {
		return Territory{}, false
	}
	if Distance(route[0], route[len(route)-1]) > th.FallbackDistance {
		return Territory{}, false
	}

	s.mu.Lock()
	local := s.captureLocked(route, activity, userID)
	s.mu.Unlock()

	s.startClaim(local)
	return local.clone(), true
}

// validLoop rejects loops made of a few nearly coincident points
func (s *Store) validLoop(loop []Coordinate) bool {
	if len(loop) < s.thresholds.MinLoopPoints {
		return false
	}
	return PathLength(loop) > s.thresholds.MinLoopLength
}

// captureLocked publishes the optimistic entry. Caller holds s.mu.
func (s *Store) captureLocked(loop []Coordinate, activity ActivityType, userID string) Territory {
	// at most MaxPolygonPoints+1 points after Simplify, one more once closed
	polygon := EnsureClosedLoop(Simplify(loop, s.thresholds.MaxPolygonPoints), s.thresholds.SnapCloseDistance)
	local := Territory{
		ID:       localIDPrefix + uuid.NewString(),
		OwnerID:  userID,
		Activity: activity,
		Polygons: [][]Coordinate{polygon},
	}
	s.active = append(s.active, local)
	if indexByID(s.territories, local.ID) < 0 {
		s.territories = append(s.territories, local)
	}
	return local
}

func (s *Store) startClaim(local Territory) {
	log.Printf("[territory] %s: captured loop %s (%d points), claiming",
		local.OwnerID, local.ID, len(local.Polygons[0]))
	s.emit(Event{Kind: EventCaptured, UserID: local.OwnerID, TempID: local.ID, Territory: local.clone()})

	s.inflight.Add(1)
	go s.claim(local)
}

// claim submits the capture and reconciles the outcome. No retries.
func (s *Store) claim(local Territory) {
	defer s.inflight.Done()

	ctx := s.ctx
	if s.claimTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.claimTimeout)
		defer cancel()
	}

	confirmed, err := s.submit(ctx, local)
	if err != nil {
		s.retract(local, err)
		return
	}
	s.confirm(local, confirmed)
}

func (s *Store) submit(ctx context.Context, local Territory) (Territory, error) {
	if s.service == nil {
		return Territory{}, fmt.Errorf("claim territory: no service configured")
	}
	feature, err := s.service.ClaimTerritory(ctx, local.OwnerID, local.Activity, local.Polygons[0])
	if err != nil {
		return Territory{}, fmt.Errorf("claim territory: %w", err)
	}
	t, err := TerritoryFromFeature(feature)
	if err != nil {
		return Territory{}, fmt.Errorf("claim territory: %w", err)
	}
	return t, nil
}

// confirm swaps the optimistic entry for the authoritative one in a single
// critical section. The active set only receives the confirmed entry if the
// optimistic one was still there, i.e. the session was not reset meanwhile.
func (s *Store) confirm(local, confirmed Territory) {
	s.mu.Lock()
	wasActive := removeByID(&s.active, local.ID)
	removeByID(&s.territories, local.ID)
	if indexByID(s.territories, confirmed.ID) < 0 {
		s.territories = append(s.territories, confirmed)
	}
	if wasActive && indexByID(s.active, confirmed.ID) < 0 {
		s.active = append(s.active, confirmed)
	}
	s.mu.Unlock()

	log.Printf("[territory] %s: claim %s confirmed as %s (area %.0f m²)",
		local.OwnerID, local.ID, confirmed.ID, confirmed.Area)
	s.emit(Event{Kind: EventConfirmed, UserID: local.OwnerID, TempID: local.ID, Territory: confirmed.clone()})
}

// retract drops the optimistic entry. Missing entries are not an error.
func (s *Store) retract(local Territory, err error) {
	s.mu.Lock()
	removeByID(&s.active, local.ID)
	removeByID(&s.territories, local.ID)
	s.mu.Unlock()

	log.Printf("[territory] %s: claim %s failed: %v", local.OwnerID, local.ID, err)
	s.emit(Event{Kind: EventRetracted, UserID: local.OwnerID, TempID: local.ID, Territory: local.clone(), Err: err})
}

// Refresh replaces the known territories with the backend's set. Records that
// do not map to a valid Territory are dropped. On fetch failure the previous
// state is kept and the error returned. Captures of the current session,
// pending or confirmed, survive the replacement.
func (s *Store) Refresh(ctx context.Context) error {
	if s.service == nil {
		return fmt.Errorf("refresh territories: no service configured")
	}
	features, err := s.service.FetchTerritories(ctx)
	if err != nil {
		log.Printf("[territory] refresh failed: %v", err)
		return fmt.Errorf("refresh territories: %w", err)
	}

	fresh := make([]Territory, 0, len(features))
	dropped := 0
	for _, f := range features {
		t, err := TerritoryFromFeature(f)
		if err != nil {
			dropped++
			log.Printf("[territory] refresh: dropping record: %v", err)
			continue
		}
		if indexByID(fresh, t.ID) >= 0 {
			continue
		}
		fresh = append(fresh, t)
	}

	s.mu.Lock()
	for _, t := range s.active {
		if indexByID(fresh, t.ID) < 0 {
			fresh = append(fresh, t)
		}
	}
	s.territories = fresh
	s.mu.Unlock()

	if dropped > 0 {
		log.Printf("[territory] refresh: loaded %d territories, dropped %d", len(fresh), dropped)
	}
	s.emit(Event{Kind: EventRefreshed, UserID: s.owner})
	return nil
}

// Wait blocks until every in-flight claim has been reconciled
func (s *Store) Wait() {
	s.inflight.Wait()
}

// Close cancels in-flight claims and waits for their reconciliation
func (s *Store) Close() {
	s.cancel()
	s.inflight.Wait()
}

func indexByID(ts []Territory, id string) int {
	for i := range ts {
		if ts[i].ID == id {
			return i
		}
	}
	return -1
}

// removeByID deletes the entry with id in place, reporting whether it existed
func removeByID(ts *[]Territory, id string) bool {
	i := indexByID(*ts, id)
	if i < 0 {
		return false
	}
	*ts = append((*ts)[:i], (*ts)[i+1:]...)
	return true
}

func cloneAll(ts []Territory) []Territory {
	out := make([]Territory, len(ts))
	for i, t := range ts {
		out[i] = t.clone()
	}
	return out
}
