package checkin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/checkin"
	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/logging"
	"gymflow/occupancy/internal/model"
)

// uncommittedStore hides an event key from lookups made inside a transaction, the way a
// read-committed transaction cannot see a row another transaction has not committed yet.
type uncommittedStore struct {
	db.Store

	mu      sync.Mutex
	eventID string
	// remaining lookups to hide; negative hides all of them
	remaining int
}

func (s *uncommittedStore) hide(eventID string, lookups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventID = eventID
	s.remaining = lookups
}

func (s *uncommittedStore) hidden(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID != s.eventID || s.remaining == 0 {
		return false
	}
	if s.remaining > 0 {
		s.remaining--
	}
	return true
}

func (s *uncommittedStore) WithTx(ctx context.Context, fn func(db.Queries) error) error {
	return s.Store.WithTx(ctx, func(q db.Queries) error {
		return fn(uncommittedQueries{Queries: q, store: s})
	})
}

type uncommittedQueries struct {
	db.Queries
	store *uncommittedStore
}

func (q uncommittedQueries) GetCheckInByEvent(ctx context.Context, eventID string) (model.CheckIn, error) {
	if q.store.hidden(eventID) {
		return model.CheckIn{}, db.ErrNotFound
	}
	return q.Queries.GetCheckInByEvent(ctx, eventID)
}

func (f *fixture) retryEngine() (*checkin.Engine, *uncommittedStore) {
	store := &uncommittedStore{Store: f.store}
	engine := checkin.NewEngine(store, f.access,
		checkin.WithNotifier(f.notifier),
		checkin.WithLogger(logging.Discard()),
		checkin.WithClock(func() time.Time { return f.now }),
	)
	return engine, store
}

func TestRetryBehindGymLockReplaysEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gym := f.gym(t, 10, true)
	user := f.member(t, gym)
	cred := access.Credential{QRCode: user.QRCode}

	first, err := f.engine.Scan(ctx, checkin.ScanRequest{GymID: gym.ID, Credential: cred, EventID: "evt-1"})
	require.NoError(t, err)
	require.Equal(t, checkin.OutcomeEntry, first.Outcome)

	retry, store := f.retryEngine()
	f.now = f.now.Add(time.Second)

	store.hide("evt-1", 1)
	scanned, err := retry.Scan(ctx, checkin.ScanRequest{GymID: gym.ID, Credential: cred, EventID: "evt-1"})
	require.NoError(t, err)
	require.True(t, scanned.Replayed)
	require.Equal(t, checkin.OutcomeEntry, scanned.Outcome)
	require.Equal(t, first.CheckIn.ID, scanned.CheckIn.ID)
	require.True(t, scanned.CheckIn.Active())

	store.hide("evt-1", 1)
	admitted, err := retry.Admit(ctx, checkin.CheckInRequest{GymID: gym.ID, Credential: access.Credential{UserID: user.ID}, EventID: "evt-1"})
	require.NoError(t, err)
	require.True(t, admitted.Replayed)
	require.Equal(t, first.CheckIn.ID, admitted.CheckIn.ID)

	f.assertDerivedCount(t, gym.ID, 1)
	require.Equal(t, []checkin.EventKind{checkin.KindCheckIn}, f.notifier.kinds())
}

func TestRetryBehindGymLockReplaysExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gym := f.gym(t, 10, true)
	user := f.member(t, gym)
	cred := access.Credential{UserID: user.ID}

	_, err := f.engine.CheckIn(ctx, checkin.CheckInRequest{GymID: gym.ID, Credential: cred, EventID: "evt-in"})
	require.NoError(t, err)
	closed, err := f.engine.CheckOutByIdentity(ctx, gym.ID, cred, "evt-out")
	require.NoError(t, err)

	retry, store := f.retryEngine()
	store.hide("evt-out", 1)
	result, err := retry.Simulate(ctx, checkin.SimulateRequest{GymID: gym.ID, Credential: cred, Event: checkin.OutcomeExit, EventID: "evt-out"})
	require.NoError(t, err)
	require.True(t, result.Replayed)
	require.Equal(t, checkin.OutcomeExit, result.Outcome)
	require.Equal(t, closed.ID, result.CheckIn.ID)
	require.Equal(t, []checkin.EventKind{checkin.KindCheckIn, checkin.KindCheckOut}, f.notifier.kinds())
}

func TestEntryKeyNeverClosesTheSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gym := f.gym(t, 10, true)
	user := f.member(t, gym)
	cred := access.Credential{QRCode: user.QRCode}

	first, err := f.engine.Scan(ctx, checkin.ScanRequest{GymID: gym.ID, Credential: cred, EventID: "evt-1"})
	require.NoError(t, err)

	// Every lookup misses, so only the store's shared key space can catch the reuse.
	retry, store := f.retryEngine()
	store.hide("evt-1", -1)

	scanned, err := retry.Scan(ctx, checkin.ScanRequest{GymID: gym.ID, Credential: cred, EventID: "evt-1"})
	require.NoError(t, err)
	require.True(t, scanned.Replayed)
	require.Equal(t, checkin.OutcomeEntry, scanned.Outcome)
	require.Equal(t, first.CheckIn.ID, scanned.CheckIn.ID)

	left, err := retry.CheckOutByIdentity(ctx, gym.ID, cred, "evt-1")
	require.NoError(t, err)
	require.Equal(t, first.CheckIn.ID, left.ID)
	require.True(t, left.Active())

	stored, err := f.store.GetCheckIn(ctx, first.CheckIn.ID)
	require.NoError(t, err)
	require.True(t, stored.Active())
	require.Nil(t, stored.CheckoutEventID)
	f.assertDerivedCount(t, gym.ID, 1)
	require.Equal(t, []checkin.EventKind{checkin.KindCheckIn}, f.notifier.kinds())
}
