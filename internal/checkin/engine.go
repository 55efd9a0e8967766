// Package checkin is the occupancy state machine. It is the only writer of check-in rows.
package checkin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/metrics"
	"gymflow/occupancy/internal/model"
)

type EventKind string

const (
	KindCheckIn  EventKind = "checkin"
	KindCheckOut EventKind = "checkout"
)

// Event describes a committed mutation handed to the Notifier.
type Event struct {
	Kind    EventKind
	CheckIn model.CheckIn
	User    *model.User
}

// Notifier receives committed mutations. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// CapacityCache holds capacity snapshots. Set must refuse a snapshot whose generation
// predates the latest Invalidate for the gym.
type CapacityCache interface {
	Get(ctx context.Context, gymID string) (model.Capacity, bool, error)
	Generation(ctx context.Context, gymID string) (int64, error)
	Set(ctx context.Context, capacity model.Capacity, generation int64) error
	Invalidate(ctx context.Context, gymID string) error
}

type Outcome string

const (
	OutcomeEntry Outcome = "entry"
	OutcomeExit  Outcome = "exit"
)

type CheckInRequest struct {
	GymID      string
	Credential access.Credential
	EventID    string
}

type ScanRequest struct {
	GymID      string
	Credential access.Credential
	EventID    string
}

type SimulateRequest struct {
	GymID      string
	Credential access.Credential
	Event      Outcome
	EventID    string
}

type ScanResult struct {
	Outcome  Outcome       `json:"outcome"`
	CheckIn  model.CheckIn `json:"checkin"`
	User     *model.User   `json:"user,omitempty"`
	Replayed bool          `json:"replayed"`
}

// Entry paths, used as metric labels.
const (
	pathAPI      = "api"
	pathScan     = "scan"
	pathSimulate = "simulate"
	pathID       = "id"
	pathIdentity = "identity"
	pathStale    = "stale"
)

type Engine struct {
	store    db.Store
	access   *access.Service
	notifier Notifier
	cache    CapacityCache
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithCache(c CapacityCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store db.Store, resolver *access.Service, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		access: resolver,
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clock returns the current time at the store's millisecond precision.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// CheckIn admits the credential's user (or an anonymous visitor when the credential is empty).
// A second check-in while inside fails with DuplicateSession.
func (e *Engine) CheckIn(ctx context.Context, req CheckInRequest) (model.CheckIn, error) {
	result, err := e.Admit(ctx, req)
	if err != nil {
		return model.CheckIn{}, err
	}
	return result.CheckIn, nil
}

// Admit is CheckIn reporting whether the eventId had already been recorded.
func (e *Engine) Admit(ctx context.Context, req CheckInRequest) (ScanResult, error) {
	return e.admit(ctx, req.GymID, req.Credential, req.EventID, false, pathAPI)
}

// Scan is the kiosk path: entry when outside, exit when already inside.
func (e *Engine) Scan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	return e.admit(ctx, req.GymID, req.Credential, req.EventID, true, pathScan)
}

func (e *Engine) Simulate(ctx context.Context, req SimulateRequest) (ScanResult, error) {
	switch req.Event {
	case OutcomeEntry:
		return e.admit(ctx, req.GymID, req.Credential, req.EventID, false, pathSimulate)
	case OutcomeExit:
		return e.leave(ctx, req.GymID, req.Credential, req.EventID)
	default:
		return ScanResult{}, model.NewError(model.CodeInvalidArgument, "event must be entry or exit")
	}
}

func (e *Engine) admit(ctx context.Context, gymID string, cred access.Credential, eventID string, toggle bool, path string) (ScanResult, error) {
	gymID = strings.TrimSpace(gymID)
	eventID = strings.TrimSpace(eventID)
	if gymID == "" {
		return ScanResult{}, model.NewError(model.CodeInvalidArgument, "gymId is required")
	}

	var result ScanResult
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		var found bool
		var err error
		if result, found, err = recorded(ctx, q, eventID); err != nil || found {
			return err
		}

		var user *model.User
		if !cred.Empty() {
			resolved, err := e.access.Resolve(ctx, q, gymID, cred)
			if err != nil {
				return err
			}
			user = &resolved
		}

		gym, err := q.LockGym(ctx, gymID)
		if err != nil {
			return db.DomainError(err, "gym not found")
		}
		// The lock waits out a concurrent writer that may have recorded eventID meanwhile.
		if result, found, err = recorded(ctx, q, eventID); err != nil || found {
			return err
		}
		now := e.clock()

		var state State = Outside{}
		if user != nil {
			if state, err = StateOf(ctx, q, gym.ID, user.ID); err != nil {
				return err
			}
		}
		if inside, ok := state.(Inside); ok && toggle {
			closed, err := q.CloseCheckIn(ctx, db.CloseCheckInParams{
				ID:              inside.CheckIn.ID,
				CheckedOut:      now,
				CheckoutEventID: model.StringPtr(eventID),
			})
			if err != nil {
				if errors.Is(err, db.ErrDuplicateEvent) {
					return err
				}
				return db.DomainError(err, "active check-in not found")
			}
			result = ScanResult{Outcome: OutcomeExit, CheckIn: closed, User: user}
			return nil
		}

		if !gym.IsActive {
			return model.ErrGymInactive
		}
		if _, ok := state.(Inside); ok {
			return model.ErrDuplicateSession
		}
		current, err := q.CountActiveCheckIns(ctx, gym.ID)
		if err != nil {
			return db.DomainError(err, "gym not found")
		}
		if current >= gym.MaxCapacity {
			return model.ErrCapacityExceeded
		}

		params := db.CreateCheckInParams{
			ID:        uuid.NewString(),
			GymID:     gym.ID,
			CheckedIn: now,
			EventID:   model.StringPtr(eventID),
		}
		if user != nil {
			params.UserID = &user.ID
		}
		created, err := q.CreateCheckIn(ctx, params)
		if err != nil {
			if errors.Is(err, db.ErrDuplicateEvent) {
				return err
			}
			return db.DomainError(err, "gym not found")
		}
		result = ScanResult{Outcome: OutcomeEntry, CheckIn: created, User: user}
		return nil
	})
	if errors.Is(err, db.ErrDuplicateEvent) {
		// A concurrent request recorded the same event first.
		existing, readErr := e.store.GetCheckInByEvent(ctx, eventID)
		if readErr != nil {
			return ScanResult{}, db.DomainError(readErr, "check-in not found")
		}
		result, err = replayResult(existing, eventID), nil
	}
	if err != nil {
		e.metrics.Denied(string(model.CodeOf(err)))
		return ScanResult{}, err
	}

	if result.Replayed {
		e.metrics.Replayed()
		return result, nil
	}
	if result.Outcome == OutcomeExit {
		e.metrics.CheckOut(path)
		e.committed(ctx, KindCheckOut, result.CheckIn, result.User)
	} else {
		e.metrics.CheckIn(path)
		e.committed(ctx, KindCheckIn, result.CheckIn, result.User)
	}
	return result, nil
}

// CheckOut closes a check-in by id. Closing twice fails with AlreadyCheckedOut.
func (e *Engine) CheckOut(ctx context.Context, checkInID string) (model.CheckIn, error) {
	var closed model.CheckIn
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		current, err := q.GetCheckIn(ctx, strings.TrimSpace(checkInID))
		if err != nil {
			return db.DomainError(err, "check-in not found")
		}
		if !current.Active() {
			return model.ErrAlreadyCheckedOut
		}
		closed, err = q.CloseCheckIn(ctx, db.CloseCheckInParams{ID: current.ID, CheckedOut: e.clock()})
		if errors.Is(err, db.ErrNotFound) {
			return model.ErrAlreadyCheckedOut
		}
		return db.DomainError(err, "check-in not found")
	})
	if err != nil {
		e.metrics.Denied(string(model.CodeOf(err)))
		return model.CheckIn{}, err
	}
	e.metrics.CheckOut(pathID)
	e.committed(ctx, KindCheckOut, closed, nil)
	return closed, nil
}

// CheckOutByIdentity closes the user's active session at gymID. Leaving needs no entitlement.
func (e *Engine) CheckOutByIdentity(ctx context.Context, gymID string, cred access.Credential, eventID string) (model.CheckIn, error) {
	result, err := e.leave(ctx, gymID, cred, eventID)
	if err != nil {
		return model.CheckIn{}, err
	}
	return result.CheckIn, nil
}

func (e *Engine) leave(ctx context.Context, gymID string, cred access.Credential, eventID string) (ScanResult, error) {
	gymID = strings.TrimSpace(gymID)
	eventID = strings.TrimSpace(eventID)

	var result ScanResult
	err := e.store.WithTx(ctx, func(q db.Queries) error {
		var found bool
		var err error
		if result, found, err = recorded(ctx, q, eventID); err != nil || found {
			return err
		}
		user, err := e.access.Identify(ctx, q, cred)
		if err != nil {
			return err
		}
		if _, err := q.LockGym(ctx, gymID); err != nil {
			return db.DomainError(err, "gym not found")
		}
		if result, found, err = recorded(ctx, q, eventID); err != nil || found {
			return err
		}
		state, err := StateOf(ctx, q, gymID, user.ID)
		if err != nil {
			return err
		}
		inside, ok := state.(Inside)
		if !ok {
			return model.NewError(model.CodeNotFound, "no active check-in at this gym")
		}
		closed, err := q.CloseCheckIn(ctx, db.CloseCheckInParams{
			ID:              inside.CheckIn.ID,
			CheckedOut:      e.clock(),
			CheckoutEventID: model.StringPtr(eventID),
		})
		if err != nil {
			if errors.Is(err, db.ErrDuplicateEvent) {
				return err
			}
			return db.DomainError(err, "no active check-in at this gym")
		}
		result = ScanResult{Outcome: OutcomeExit, CheckIn: closed, User: &user}
		return nil
	})
	if errors.Is(err, db.ErrDuplicateEvent) {
		existing, readErr := e.store.GetCheckInByEvent(ctx, eventID)
		if readErr != nil {
			return ScanResult{}, db.DomainError(readErr, "check-in not found")
		}
		result, err = replayResult(existing, eventID), nil
	}
	if err != nil {
		e.metrics.Denied(string(model.CodeOf(err)))
		return ScanResult{}, err
	}
	if result.Replayed {
		e.metrics.Replayed()
		return result, nil
	}
	e.metrics.CheckOut(pathIdentity)
	e.committed(ctx, KindCheckOut, result.CheckIn, result.User)
	return result, nil
}

// CloseStale closes every session open for longer than maxAge.
func (e *Engine) CloseStale(ctx context.Context, maxAge time.Duration) ([]model.CheckIn, error) {
	now := e.clock()
	stale, err := e.store.ListStaleCheckIns(ctx, now.Add(-maxAge))
	if err != nil {
		return nil, db.DomainError(err, "check-in not found")
	}
	closed := make([]model.CheckIn, 0, len(stale))
	for _, candidate := range stale {
		var updated model.CheckIn
		err := e.store.WithTx(ctx, func(q db.Queries) error {
			var err error
			updated, err = q.CloseCheckIn(ctx, db.CloseCheckInParams{ID: candidate.ID, CheckedOut: now})
			return err
		})
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return closed, db.DomainError(err, "check-in not found")
		}
		e.metrics.CheckOut(pathStale)
		e.committed(ctx, KindCheckOut, updated, nil)
		closed = append(closed, updated)
	}
	return closed, nil
}

// CurrentCapacity reads through the cache when one is configured.
func (e *Engine) CurrentCapacity(ctx context.Context, gymID string) (model.Capacity, error) {
	cacheable := false
	var generation int64
	if e.cache != nil {
		capacity, ok, err := e.cache.Get(ctx, gymID)
		if err != nil {
			e.log.WithError(err).WithField("gym_id", gymID).Warn("capacity cache read failed")
		} else if ok {
			return capacity, nil
		}
		// Taken before counting so a write committed meanwhile voids this snapshot.
		if generation, err = e.cache.Generation(ctx, gymID); err != nil {
			e.log.WithError(err).WithField("gym_id", gymID).Warn("capacity cache read failed")
		} else {
			cacheable = true
		}
	}
	capacity, err := e.LiveCapacity(ctx, gymID)
	if err != nil {
		return model.Capacity{}, err
	}
	if cacheable {
		if err := e.cache.Set(ctx, capacity, generation); err != nil {
			e.log.WithError(err).WithField("gym_id", gymID).Warn("capacity cache write failed")
		}
	}
	return capacity, nil
}

// LiveCapacity counts active sessions in the store, bypassing the cache.
func (e *Engine) LiveCapacity(ctx context.Context, gymID string) (model.Capacity, error) {
	gym, err := e.store.GetGym(ctx, gymID)
	if err != nil {
		return model.Capacity{}, db.DomainError(err, "gym not found")
	}
	current, err := e.store.CountActiveCheckIns(ctx, gym.ID)
	if err != nil {
		return model.Capacity{}, db.DomainError(err, "gym not found")
	}
	return model.NewCapacity(gym, current), nil
}

// ActiveSessions lists the gym's open check-ins, newest first.
func (e *Engine) ActiveSessions(ctx context.Context, gymID string) ([]model.CheckIn, error) {
	if _, err := e.store.GetGym(ctx, gymID); err != nil {
		return nil, db.DomainError(err, "gym not found")
	}
	sessions, err := e.store.ListActiveCheckIns(ctx, gymID)
	if err != nil {
		return nil, db.DomainError(err, "gym not found")
	}
	return sessions, nil
}

func (e *Engine) ActiveSessionsForUser(ctx context.Context, userID string) ([]model.CheckIn, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, db.DomainError(err, "user not found")
	}
	sessions, err := e.store.ListActiveCheckInsByUser(ctx, userID)
	if err != nil {
		return nil, db.DomainError(err, "user not found")
	}
	return sessions, nil
}

// CheckIns returns the sessions of gymID overlapping [from, to), oldest first.
func (e *Engine) CheckIns(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error) {
	if !to.After(from) {
		return nil, model.NewError(model.CodeInvalidArgument, "range end must be after its start")
	}
	if _, err := e.store.GetGym(ctx, gymID); err != nil {
		return nil, db.DomainError(err, "gym not found")
	}
	checkIns, err := e.store.ListCheckInsInRange(ctx, gymID, from, to)
	if err != nil {
		return nil, db.DomainError(err, "gym not found")
	}
	return checkIns, nil
}

func (e *Engine) committed(ctx context.Context, kind EventKind, checkIn model.CheckIn, user *model.User) {
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, checkIn.GymID); err != nil {
			e.log.WithError(err).WithField("gym_id", checkIn.GymID).Warn("capacity cache invalidation failed")
		}
	}
	e.log.WithFields(logrus.Fields{
		"gym_id":     checkIn.GymID,
		"checkin_id": checkIn.ID,
		"kind":       string(kind),
	}).Debug("occupancy changed")
	if e.notifier != nil {
		e.notifier.Notify(Event{Kind: kind, CheckIn: checkIn, User: user})
	}
}

// recorded looks eventID up as either an entry or an exit key.
func recorded(ctx context.Context, q db.Queries, eventID string) (ScanResult, bool, error) {
	if eventID == "" {
		return ScanResult{}, false, nil
	}
	existing, err := q.GetCheckInByEvent(ctx, eventID)
	if errors.Is(err, db.ErrNotFound) {
		return ScanResult{}, false, nil
	}
	if err != nil {
		return ScanResult{}, false, db.DomainError(err, "check-in not found")
	}
	return replayResult(existing, eventID), true, nil
}

func replayResult(existing model.CheckIn, eventID string) ScanResult {
	outcome := OutcomeEntry
	if existing.CheckoutEventID != nil && *existing.CheckoutEventID == eventID {
		outcome = OutcomeExit
	}
	return ScanResult{Outcome: outcome, CheckIn: existing, Replayed: true}
}
