package checkin_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/checkin"
	"gymflow/occupancy/internal/db/postgres"
	"gymflow/occupancy/internal/logging"
	"gymflow/occupancy/internal/model"
)

type pgFixture struct {
	store  *postgres.Store
	access *access.Service
	engine *checkin.Engine
}

// newPostgresFixture runs the engine against a real Postgres, where transactions overlap
// and only the gym row lock and the unique indexes keep writers apart.
func newPostgresFixture(t *testing.T) *pgFixture {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, databaseURL)
	require.NoError(t, err)
	store := postgres.NewStore(pool)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	accessSvc := access.NewService(store)
	return &pgFixture{
		store:  store,
		access: accessSvc,
		engine: checkin.NewEngine(store, accessSvc, checkin.WithLogger(logging.Discard())),
	}
}

func (f *pgFixture) gym(t *testing.T, max int) model.Gym {
	t.Helper()
	gym := model.Gym{ID: uuid.NewString(), Name: "Integration " + uuid.NewString()[:8], MaxCapacity: max, IsActive: true}
	require.NoError(t, f.store.CreateGym(context.Background(), gym))
	return gym
}

func (f *pgFixture) member(t *testing.T, gym model.Gym) model.User {
	t.Helper()
	id := uuid.NewString()
	user := model.User{ID: id, Email: id + "@example.com", Name: "Member", QRCode: "qr-" + id, Role: model.RoleUser}
	require.NoError(t, f.store.CreateUser(context.Background(), user))
	_, err := f.access.Enroll(context.Background(), user.ID, gym.ID)
	require.NoError(t, err)
	return user
}

// parallel starts n calls together and waits for all of them.
func parallel(n int, call func(i int)) {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			call(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestPostgresParallelRetriesRecordOneEntry(t *testing.T) {
	ctx := context.Background()
	f := newPostgresFixture(t)
	gym := f.gym(t, 10)
	user := f.member(t, gym)
	eventID := "evt-" + uuid.NewString()

	const attempts = 10
	results := make([]checkin.ScanResult, attempts)
	errs := make([]error, attempts)
	parallel(attempts, func(i int) {
		if i%2 == 0 {
			results[i], errs[i] = f.engine.Scan(ctx, checkin.ScanRequest{GymID: gym.ID, Credential: access.Credential{QRCode: user.QRCode}, EventID: eventID})
			return
		}
		results[i], errs[i] = f.engine.Admit(ctx, checkin.CheckInRequest{GymID: gym.ID, Credential: access.Credential{UserID: user.ID}, EventID: eventID})
	})

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i], "attempt %d", i)
		require.Equal(t, checkin.OutcomeEntry, results[i].Outcome, "attempt %d", i)
		require.Equal(t, results[0].CheckIn.ID, results[i].CheckIn.ID, "attempt %d", i)
		if !results[i].Replayed {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)

	stored, err := f.store.GetCheckInByEvent(ctx, eventID)
	require.NoError(t, err)
	require.True(t, stored.Active())
	require.Nil(t, stored.CheckoutEventID)
	active, err := f.store.ListActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPostgresParallelExitRetriesReplay(t *testing.T) {
	ctx := context.Background()
	f := newPostgresFixture(t)
	gym := f.gym(t, 10)
	user := f.member(t, gym)
	cred := access.Credential{UserID: user.ID}
	_, err := f.engine.CheckIn(ctx, checkin.CheckInRequest{GymID: gym.ID, Credential: cred})
	require.NoError(t, err)
	eventID := "evt-" + uuid.NewString()

	const attempts = 6
	closed := make([]model.CheckIn, attempts)
	errs := make([]error, attempts)
	parallel(attempts, func(i int) {
		closed[i], errs[i] = f.engine.CheckOutByIdentity(ctx, gym.ID, cred, eventID)
	})
	for i := range closed {
		require.NoError(t, errs[i], "attempt %d", i)
		require.Equal(t, closed[0].ID, closed[i].ID)
		require.False(t, closed[i].Active())
	}
	count, err := f.store.CountActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPostgresParallelCheckInsForOneUser(t *testing.T) {
	ctx := context.Background()
	f := newPostgresFixture(t)
	gym := f.gym(t, 50)
	user := f.member(t, gym)

	var (
		mu        sync.Mutex
		successes int
	)
	parallel(8, func(int) {
		_, err := f.engine.CheckIn(ctx, checkin.CheckInRequest{GymID: gym.ID, Credential: access.Credential{UserID: user.ID}})
		if err == nil {
			mu.Lock()
			successes++
			mu.Unlock()
			return
		}
		if !errors.Is(err, model.ErrDuplicateSession) {
			t.Errorf("unexpected error: %v", err)
		}
	})
	require.Equal(t, 1, successes)
	active, err := f.store.ListActiveCheckInsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPostgresParallelAnonymousCheckInsStopAtCapacity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	f := newPostgresFixture(t)
	gym := f.gym(t, 3)

	var (
		mu       sync.Mutex
		admitted int
	)
	parallel(12, func(int) {
		_, err := f.engine.CheckIn(ctx, checkin.CheckInRequest{GymID: gym.ID})
		if err == nil {
			mu.Lock()
			admitted++
			mu.Unlock()
			return
		}
		if !errors.Is(err, model.ErrCapacityExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
	})
	require.Equal(t, 3, admitted)
	count, err := f.store.CountActiveCheckIns(ctx, gym.ID)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
