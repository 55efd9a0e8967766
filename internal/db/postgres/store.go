// Package postgres implements the occupancy store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/db/postgres/migrations"
	"gymflow/occupancy/internal/model"
)

const uniqueViolation = "23505"

const migrationLockKey int64 = 0x6f636375

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db dbtx
}

type Store struct {
	*Queries
	Pool *pgxpool.Pool
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: &Queries{db: pool}, Pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(db.Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Queries{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	// Concurrent CREATE ... IF NOT EXISTS can still collide, so migrators take turns.
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() { _, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey) }()

	for _, file := range files {
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := conn.Exec(ctx, upSection(string(content))); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func upSection(content string) string {
	start := strings.Index(content, "-- +migrate Up")
	if start == -1 {
		return content
	}
	content = content[start+len("-- +migrate Up"):]
	if end := strings.Index(content, "-- +migrate Down"); end != -1 {
		content = content[:end]
	}
	return content
}

// Gyms

const gymColumns = `id, name, max_capacity, is_active, chain, created_at`

func (q *Queries) GetGym(ctx context.Context, id string) (model.Gym, error) {
	gymID, err := parseUUID(id)
	if err != nil {
		return model.Gym{}, db.ErrNotFound
	}
	return scanGym(q.db.QueryRow(ctx, `SELECT `+gymColumns+` FROM gyms WHERE id = $1`, gymID))
}

func (q *Queries) LockGym(ctx context.Context, id string) (model.Gym, error) {
	gymID, err := parseUUID(id)
	if err != nil {
		return model.Gym{}, db.ErrNotFound
	}
	return scanGym(q.db.QueryRow(ctx, `SELECT `+gymColumns+` FROM gyms WHERE id = $1 FOR UPDATE`, gymID))
}

func (q *Queries) ListGyms(ctx context.Context) ([]model.Gym, error) {
	rows, err := q.db.Query(ctx, `SELECT `+gymColumns+` FROM gyms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collectGyms(rows)
}

func (q *Queries) ListGymsByChain(ctx context.Context, chain string) ([]model.Gym, error) {
	rows, err := q.db.Query(ctx, `SELECT `+gymColumns+` FROM gyms WHERE chain = $1 AND is_active = true ORDER BY name`, chain)
	if err != nil {
		return nil, err
	}
	return collectGyms(rows)
}

func (q *Queries) CreateGym(ctx context.Context, gym model.Gym) error {
	gymID, err := parseUUID(gym.ID)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO gyms (id, name, max_capacity, is_active, chain, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, gymID, gym.Name, gym.MaxCapacity, gym.IsActive, pgTextPtr(gym.Chain), pgTime(gym.CreatedAt))
	return mapWriteError(err)
}

func scanGym(row pgx.Row) (model.Gym, error) {
	var (
		gym       model.Gym
		id        pgtype.UUID
		chain     pgtype.Text
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &gym.Name, &gym.MaxCapacity, &gym.IsActive, &chain, &createdAt); err != nil {
		return model.Gym{}, mapReadError(err)
	}
	gym.ID = uuidString(id)
	gym.Chain = textPtr(chain)
	gym.CreatedAt = createdAt.Time.UTC()
	return gym, nil
}

func collectGyms(rows pgx.Rows) ([]model.Gym, error) {
	defer rows.Close()
	var gyms []model.Gym
	for rows.Next() {
		gym, err := scanGym(rows)
		if err != nil {
			return nil, err
		}
		gyms = append(gyms, gym)
	}
	return gyms, rows.Err()
}

// Users

const userColumns = `id, email, name, rut, qr_code, role, created_at`

func (q *Queries) GetUser(ctx context.Context, id string) (model.User, error) {
	userID, err := parseUUID(id)
	if err != nil {
		return model.User{}, db.ErrNotFound
	}
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func (q *Queries) GetUserByRUT(ctx context.Context, rut string) (model.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE rut = $1`, rut))
}

func (q *Queries) GetUserByQRCode(ctx context.Context, qrCode string) (model.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE qr_code = $1`, qrCode))
}

func (q *Queries) CreateUser(ctx context.Context, user model.User) error {
	userID, err := parseUUID(user.ID)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO users (id, email, name, rut, qr_code, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userID, user.Email, user.Name, pgTextPtr(user.RUT), user.QRCode, string(user.Role), pgTime(user.CreatedAt))
	return mapWriteError(err)
}

func scanUser(row pgx.Row) (model.User, error) {
	var (
		user      model.User
		id        pgtype.UUID
		rut       pgtype.Text
		role      string
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &user.Email, &user.Name, &rut, &user.QRCode, &role, &createdAt); err != nil {
		return model.User{}, mapReadError(err)
	}
	user.ID = uuidString(id)
	user.RUT = textPtr(rut)
	user.Role = model.Role(role)
	user.CreatedAt = createdAt.Time.UTC()
	return user, nil
}

// Memberships

func (q *Queries) GetMembershipByUser(ctx context.Context, userID string) (model.Membership, error) {
	userUUID, err := parseUUID(userID)
	if err != nil {
		return model.Membership{}, db.ErrNotFound
	}
	var (
		membership model.Membership
		id, owner  pgtype.UUID
		status     string
		start, end pgtype.Timestamptz
		createdAt  pgtype.Timestamptz
	)
	err = q.db.QueryRow(ctx, `
		SELECT id, user_id, type, status, start_date, end_date, created_at
		FROM memberships
		WHERE user_id = $1
	`, userUUID).Scan(&id, &owner, &membership.Type, &status, &start, &end, &createdAt)
	if err != nil {
		return model.Membership{}, mapReadError(err)
	}
	membership.ID = uuidString(id)
	membership.UserID = uuidString(owner)
	membership.Status = model.MembershipStatus(status)
	membership.StartDate = start.Time.UTC()
	membership.EndDate = end.Time.UTC()
	membership.CreatedAt = createdAt.Time.UTC()

	rows, err := q.db.Query(ctx, `SELECT gym_id FROM membership_gyms WHERE membership_id = $1 ORDER BY gym_id`, id)
	if err != nil {
		return model.Membership{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var gymID pgtype.UUID
		if err := rows.Scan(&gymID); err != nil {
			return model.Membership{}, err
		}
		membership.GymIDs = append(membership.GymIDs, uuidString(gymID))
	}
	return membership, rows.Err()
}

func (q *Queries) CreateMembership(ctx context.Context, membership model.Membership) error {
	id, err := parseUUID(membership.ID)
	if err != nil {
		return err
	}
	userID, err := parseUUID(membership.UserID)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO memberships (id, user_id, type, status, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, userID, membership.Type, string(membership.Status), pgTime(membership.StartDate), pgTime(membership.EndDate), pgTime(membership.CreatedAt))
	if err != nil {
		return mapWriteError(err)
	}
	for _, gym := range membership.GymIDs {
		gymID, err := parseUUID(gym)
		if err != nil {
			return err
		}
		if _, err := q.db.Exec(ctx, `
			INSERT INTO membership_gyms (membership_id, gym_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id, gymID); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (q *Queries) CountActiveMembershipsByType(ctx context.Context, gymID string, at time.Time) (map[string]int, error) {
	gymUUID, err := parseUUID(gymID)
	if err != nil {
		return nil, db.ErrNotFound
	}
	rows, err := q.db.Query(ctx, `
		SELECT m.type, count(*)
		FROM memberships m
		JOIN membership_gyms mg ON mg.membership_id = m.id
		WHERE mg.gym_id = $1 AND m.status = 'ACTIVE' AND m.start_date <= $2 AND m.end_date >= $2
		GROUP BY m.type
	`, gymUUID, pgTime(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = int(count)
	}
	return counts, rows.Err()
}

// Check-ins

const checkInColumns = `id, gym_id, user_id, checked_in, checked_out, event_id, checkout_event_id`

func (q *Queries) GetCheckIn(ctx context.Context, id string) (model.CheckIn, error) {
	checkInID, err := parseUUID(id)
	if err != nil {
		return model.CheckIn{}, db.ErrNotFound
	}
	return scanCheckIn(q.db.QueryRow(ctx, `SELECT `+checkInColumns+` FROM checkins WHERE id = $1`, checkInID))
}

func (q *Queries) GetCheckInByEvent(ctx context.Context, eventID string) (model.CheckIn, error) {
	return scanCheckIn(q.db.QueryRow(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE event_id = $1 OR checkout_event_id = $1
		LIMIT 1
	`, eventID))
}

func (q *Queries) GetActiveCheckIn(ctx context.Context, gymID, userID string) (model.CheckIn, error) {
	gymUUID, err := parseUUID(gymID)
	if err != nil {
		return model.CheckIn{}, db.ErrNotFound
	}
	userUUID, err := parseUUID(userID)
	if err != nil {
		return model.CheckIn{}, db.ErrNotFound
	}
	return scanCheckIn(q.db.QueryRow(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = $1 AND user_id = $2 AND checked_out IS NULL
	`, gymUUID, userUUID))
}

func (q *Queries) CountActiveCheckIns(ctx context.Context, gymID string) (int, error) {
	gymUUID, err := parseUUID(gymID)
	if err != nil {
		return 0, db.ErrNotFound
	}
	var count int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM checkins WHERE gym_id = $1 AND checked_out IS NULL`, gymUUID).Scan(&count); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (q *Queries) CreateCheckIn(ctx context.Context, params db.CreateCheckInParams) (model.CheckIn, error) {
	id, err := parseUUID(params.ID)
	if err != nil {
		return model.CheckIn{}, err
	}
	gymID, err := parseUUID(params.GymID)
	if err != nil {
		return model.CheckIn{}, db.ErrNotFound
	}
	userID := pgtype.UUID{}
	if params.UserID != nil {
		if userID, err = parseUUID(*params.UserID); err != nil {
			return model.CheckIn{}, db.ErrNotFound
		}
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO checkins (id, gym_id, user_id, checked_in, event_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+checkInColumns,
		id, gymID, userID, pgTime(params.CheckedIn), pgTextPtr(params.EventID))
	checkIn, err := scanCheckIn(row)
	if err != nil {
		return model.CheckIn{}, mapWriteError(err)
	}
	if err := q.recordEventKey(ctx, params.EventID, id, "entry", params.CheckedIn); err != nil {
		return model.CheckIn{}, err
	}
	return checkIn, nil
}

func (q *Queries) CloseCheckIn(ctx context.Context, params db.CloseCheckInParams) (model.CheckIn, error) {
	id, err := parseUUID(params.ID)
	if err != nil {
		return model.CheckIn{}, db.ErrNotFound
	}
	row := q.db.QueryRow(ctx, `
		UPDATE checkins
		SET checked_out = $2, checkout_event_id = $3
		WHERE id = $1 AND checked_out IS NULL
		RETURNING `+checkInColumns,
		id, pgTime(params.CheckedOut), pgTextPtr(params.CheckoutEventID))
	checkIn, err := scanCheckIn(row)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.CheckIn{}, err
		}
		return model.CheckIn{}, mapWriteError(err)
	}
	if err := q.recordEventKey(ctx, params.CheckoutEventID, id, "exit", params.CheckedOut); err != nil {
		return model.CheckIn{}, err
	}
	return checkIn, nil
}

// recordEventKey claims eventID in the key space shared by entries and exits. A concurrent
// claim of the same key blocks on the primary key until the first transaction ends.
func (q *Queries) recordEventKey(ctx context.Context, eventID *string, checkInID pgtype.UUID, kind string, at time.Time) error {
	if eventID == nil {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO event_keys (event_id, checkin_id, kind, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, *eventID, checkInID, kind, pgTime(at))
	return mapWriteError(err)
}

func (q *Queries) ListActiveCheckIns(ctx context.Context, gymID string) ([]model.CheckIn, error) {
	gymUUID, err := parseUUID(gymID)
	if err != nil {
		return nil, db.ErrNotFound
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = $1 AND checked_out IS NULL
		ORDER BY checked_in DESC
	`, gymUUID)
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListActiveCheckInsByUser(ctx context.Context, userID string) ([]model.CheckIn, error) {
	userUUID, err := parseUUID(userID)
	if err != nil {
		return nil, db.ErrNotFound
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE user_id = $1 AND checked_out IS NULL
		ORDER BY checked_in DESC
	`, userUUID)
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListCheckInsInRange(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error) {
	gymUUID, err := parseUUID(gymID)
	if err != nil {
		return nil, db.ErrNotFound
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = $1 AND checked_in < $3 AND (checked_out IS NULL OR checked_out >= $2)
		ORDER BY checked_in ASC
	`, gymUUID, pgTime(from), pgTime(to))
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListStaleCheckIns(ctx context.Context, before time.Time) ([]model.CheckIn, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE checked_out IS NULL AND checked_in < $1
		ORDER BY checked_in ASC
	`, pgTime(before))
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func scanCheckIn(row pgx.Row) (model.CheckIn, error) {
	var (
		checkIn         model.CheckIn
		id, gym, user   pgtype.UUID
		checkedIn       pgtype.Timestamptz
		checkedOut      pgtype.Timestamptz
		eventID         pgtype.Text
		checkoutEventID pgtype.Text
	)
	if err := row.Scan(&id, &gym, &user, &checkedIn, &checkedOut, &eventID, &checkoutEventID); err != nil {
		return model.CheckIn{}, mapReadError(err)
	}
	checkIn.ID = uuidString(id)
	checkIn.GymID = uuidString(gym)
	if user.Valid {
		userID := uuidString(user)
		checkIn.UserID = &userID
	}
	checkIn.CheckedIn = checkedIn.Time.UTC()
	if checkedOut.Valid {
		out := checkedOut.Time.UTC()
		checkIn.CheckedOut = &out
	}
	checkIn.EventID = textPtr(eventID)
	checkIn.CheckoutEventID = textPtr(checkoutEventID)
	return checkIn, nil
}

func collectCheckIns(rows pgx.Rows) ([]model.CheckIn, error) {
	defer rows.Close()
	checkIns := []model.CheckIn{}
	for rows.Next() {
		checkIn, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		checkIns = append(checkIns, checkIn)
	}
	return checkIns, rows.Err()
}

// Errors

func mapReadError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return db.ErrNotFound
	}
	return err
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "checkins_one_active_session":
		return db.ErrDuplicateSession
	case "checkins_event_id_key", "checkins_checkout_event_id_key", "event_keys_pkey":
		return db.ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %s", db.ErrConflict, pgErr.ConstraintName)
	}
}

// Conversions

func parseUUID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func pgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		t = time.Now()
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgTextPtr(value *string) pgtype.Text {
	if value == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *value, Valid: true}
}

func textPtr(value pgtype.Text) *string {
	if !value.Valid {
		return nil
	}
	text := value.String
	return &text
}

var _ db.Store = (*Store)(nil)
