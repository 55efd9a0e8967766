package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(memoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedGym(t *testing.T, store *Store, max int, active bool, chain *string) model.Gym {
	t.Helper()
	gym := model.Gym{ID: uuid.NewString(), Name: "Gym " + uuid.NewString()[:6], MaxCapacity: max, IsActive: active, Chain: chain}
	require.NoError(t, store.CreateGym(context.Background(), gym))
	return gym
}

func seedUser(t *testing.T, store *Store) model.User {
	t.Helper()
	id := uuid.NewString()
	user := model.User{ID: id, Email: id + "@example.com", Name: "Member", QRCode: "qr-" + id, Role: model.RoleUser}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenFileReappliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupancy.db")
	first, err := Open(path)
	require.NoError(t, err)
	gym := seedGym(t, first, 10, true, nil)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.GetGym(context.Background(), gym.ID)
	require.NoError(t, err)
	require.Equal(t, gym.Name, got.Name)
}

func TestCheckInLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	gym := seedGym(t, store, 10, true, nil)
	user := seedUser(t, store)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	created, err := store.CreateCheckIn(ctx, db.CreateCheckInParams{
		ID: uuid.NewString(), GymID: gym.ID, UserID: &user.ID, CheckedIn: now, EventID: model.StringPtr("evt-1"),
	})
	require.NoError(t, err)
	require.True(t, created.Active())
	require.Equal(t, now, created.CheckedIn)

	count, err := store.CountActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	active, err := store.GetActiveCheckIn(ctx, gym.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, active.ID)

	byEvent, err := store.GetCheckInByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, byEvent.ID)

	closed, err := store.CloseCheckIn(ctx, db.CloseCheckInParams{
		ID: created.ID, CheckedOut: now.Add(time.Hour), CheckoutEventID: model.StringPtr("evt-2"),
	})
	require.NoError(t, err)
	require.False(t, closed.Active())
	require.Equal(t, now.Add(time.Hour), *closed.CheckedOut)

	byExit, err := store.GetCheckInByEvent(ctx, "evt-2")
	require.NoError(t, err)
	require.Equal(t, created.ID, byExit.ID)

	_, err = store.CloseCheckIn(ctx, db.CloseCheckInParams{ID: created.ID, CheckedOut: now.Add(2 * time.Hour)})
	require.ErrorIs(t, err, db.ErrNotFound)

	count, err = store.CountActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUniqueViolationsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	gym := seedGym(t, store, 10, true, nil)
	user := seedUser(t, store)
	now := time.Now().UTC()

	_, err := store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, UserID: &user.ID, CheckedIn: now, EventID: model.StringPtr("evt-dup")})
	require.NoError(t, err)

	_, err = store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, UserID: &user.ID, CheckedIn: now})
	require.ErrorIs(t, err, db.ErrDuplicateSession)

	other := seedUser(t, store)
	_, err = store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, UserID: &other.ID, CheckedIn: now, EventID: model.StringPtr("evt-dup")})
	require.ErrorIs(t, err, db.ErrDuplicateEvent)

	// Anonymous sessions are not subject to the one-active-session index.
	for i := 0; i < 2; i++ {
		_, err = store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, CheckedIn: now})
		require.NoError(t, err)
	}

	err = store.CreateUser(ctx, model.User{ID: uuid.NewString(), Email: user.Email, QRCode: "qr-other", Role: model.RoleUser})
	require.True(t, errors.Is(err, db.ErrConflict), "got %v", err)
}

func TestListCheckInsInRange(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	gym := seedGym(t, store, 10, true, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	insert := func(in time.Time, out *time.Time) string {
		id := uuid.NewString()
		_, err := store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: id, GymID: gym.ID, CheckedIn: in})
		require.NoError(t, err)
		if out != nil {
			_, err = store.CloseCheckIn(ctx, db.CloseCheckInParams{ID: id, CheckedOut: *out})
			require.NoError(t, err)
		}
		return id
	}
	before := base.Add(-2 * time.Hour)
	beforeOut := base.Add(-time.Hour)
	insert(before, &beforeOut)
	spanningOut := base.Add(time.Hour)
	spanning := insert(base.Add(-30*time.Minute), &spanningOut)
	inside := insert(base.Add(2*time.Hour), nil)
	insert(base.Add(25*time.Hour), nil)

	checkIns, err := store.ListCheckInsInRange(ctx, gym.ID, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, checkIns, 2)
	require.Equal(t, spanning, checkIns[0].ID)
	require.Equal(t, inside, checkIns[1].ID)

	stale, err := store.ListStaleCheckIns(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, inside, stale[0].ID)
}

func TestMembershipsAndChains(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	chain := "SmartFit"
	a := seedGym(t, store, 10, true, &chain)
	b := seedGym(t, store, 10, true, &chain)
	seedGym(t, store, 10, false, &chain)
	seedGym(t, store, 10, true, nil)

	gyms, err := store.ListGymsByChain(ctx, chain)
	require.NoError(t, err)
	require.Len(t, gyms, 2)

	user := seedUser(t, store)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	membership := model.Membership{
		ID: uuid.NewString(), UserID: user.ID, Type: "SMARTFIT", Status: model.MembershipActive,
		StartDate: now, EndDate: now.Add(30 * 24 * time.Hour), GymIDs: []string{a.ID, b.ID},
	}
	require.NoError(t, store.CreateMembership(ctx, membership))

	got, err := store.GetMembershipByUser(ctx, user.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.ID, b.ID}, got.GymIDs)
	require.True(t, got.Grants(a.ID, now.Add(time.Hour)))

	counts, err := store.CountActiveMembershipsByType(ctx, a.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, map[string]int{"SMARTFIT": 1}, counts)

	membership.ID = uuid.NewString()
	require.ErrorIs(t, store.CreateMembership(ctx, membership), db.ErrConflict)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	gym := seedGym(t, store, 10, true, nil)
	sentinel := errors.New("abort")

	err := store.WithTx(ctx, func(q db.Queries) error {
		if _, err := q.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, CheckedIn: time.Now()}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	count, err := store.CountActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMissingRowsAreNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.GetGym(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.GetUserByRUT(ctx, "12345678-5")
	require.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.GetMembershipByUser(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestEntryKeyCannotBeReusedAsExitKey(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	gym := seedGym(t, store, 10, true, nil)
	user := seedUser(t, store)
	now := time.Now().UTC().Truncate(time.Millisecond)

	created, err := store.CreateCheckIn(ctx, db.CreateCheckInParams{ID: uuid.NewString(), GymID: gym.ID, UserID: &user.ID, CheckedIn: now, EventID: model.StringPtr("evt-shared")})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(q db.Queries) error {
		_, err := q.CloseCheckIn(ctx, db.CloseCheckInParams{ID: created.ID, CheckedOut: now.Add(time.Minute), CheckoutEventID: model.StringPtr("evt-shared")})
		return err
	})
	require.ErrorIs(t, err, db.ErrDuplicateEvent)

	current, err := store.GetCheckIn(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, current.Active(), "rejected exit key must roll the close back")
	require.Nil(t, current.CheckoutEventID)

	byEvent, err := store.GetCheckInByEvent(ctx, "evt-shared")
	require.NoError(t, err)
	require.Equal(t, created.ID, byEvent.ID)
}
