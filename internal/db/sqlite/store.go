// Package sqlite provides a SQLite-backed occupancy store for development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/db/sqlite/migrations"
	"gymflow/occupancy/internal/model"
)

const memoryPath = ":memory:"

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db dbtx
}

// Store persists occupancy state in SQLite. A single connection serialises writers,
// which is what makes LockGym a no-op here.
type Store struct {
	*Queries
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != memoryPath {
		dsn = "file:" + filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	ctx := context.Background()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{Queries: &Queries{db: sqlDB}, sqlDB: sqlDB}, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(db.Queries) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Gyms

const gymColumns = `id, name, max_capacity, is_active, chain, created_at`

func (q *Queries) GetGym(ctx context.Context, id string) (model.Gym, error) {
	return scanGym(q.db.QueryRowContext(ctx, `SELECT `+gymColumns+` FROM gyms WHERE id = ?`, id))
}

func (q *Queries) LockGym(ctx context.Context, id string) (model.Gym, error) {
	return q.GetGym(ctx, id)
}

func (q *Queries) ListGyms(ctx context.Context) ([]model.Gym, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+gymColumns+` FROM gyms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return collectGyms(rows)
}

func (q *Queries) ListGymsByChain(ctx context.Context, chain string) ([]model.Gym, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+gymColumns+` FROM gyms WHERE chain = ? AND is_active = 1 ORDER BY name`, chain)
	if err != nil {
		return nil, err
	}
	return collectGyms(rows)
}

func (q *Queries) CreateGym(ctx context.Context, gym model.Gym) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO gyms (id, name, max_capacity, is_active, chain, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, gym.ID, gym.Name, gym.MaxCapacity, gym.IsActive, nullString(gym.Chain), toMillis(stamp(gym.CreatedAt)))
	return mapWriteError(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGym(row rowScanner) (model.Gym, error) {
	var (
		gym       model.Gym
		chain     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&gym.ID, &gym.Name, &gym.MaxCapacity, &gym.IsActive, &chain, &createdAt); err != nil {
		return model.Gym{}, mapReadError(err)
	}
	gym.Chain = stringPtr(chain)
	gym.CreatedAt = fromMillis(createdAt)
	return gym, nil
}

func collectGyms(rows *sql.Rows) ([]model.Gym, error) {
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
	return scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (q *Queries) GetUserByRUT(ctx context.Context, rut string) (model.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE rut = ?`, rut))
}

func (q *Queries) GetUserByQRCode(ctx context.Context, qrCode string) (model.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE qr_code = ?`, qrCode))
}

func (q *Queries) CreateUser(ctx context.Context, user model.User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, rut, qr_code, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.Name, nullString(user.RUT), user.QRCode, string(user.Role), toMillis(stamp(user.CreatedAt)))
	return mapWriteError(err)
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		user      model.User
		rut       sql.NullString
		role      string
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &rut, &user.QRCode, &role, &createdAt); err != nil {
		return model.User{}, mapReadError(err)
	}
	user.RUT = stringPtr(rut)
	user.Role = model.Role(role)
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// Memberships

func (q *Queries) GetMembershipByUser(ctx context.Context, userID string) (model.Membership, error) {
	var (
		membership            model.Membership
		status                string
		start, end, createdAt int64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, status, start_date, end_date, created_at
		FROM memberships
		WHERE user_id = ?
	`, userID).Scan(&membership.ID, &membership.UserID, &membership.Type, &status, &start, &end, &createdAt)
	if err != nil {
		return model.Membership{}, mapReadError(err)
	}
	membership.Status = model.MembershipStatus(status)
	membership.StartDate = fromMillis(start)
	membership.EndDate = fromMillis(end)
	membership.CreatedAt = fromMillis(createdAt)

	rows, err := q.db.QueryContext(ctx, `SELECT gym_id FROM membership_gyms WHERE membership_id = ? ORDER BY gym_id`, membership.ID)
	if err != nil {
		return model.Membership{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var gymID string
		if err := rows.Scan(&gymID); err != nil {
			return model.Membership{}, err
		}
		membership.GymIDs = append(membership.GymIDs, gymID)
	}
	return membership, rows.Err()
}

func (q *Queries) CreateMembership(ctx context.Context, membership model.Membership) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO memberships (id, user_id, type, status, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, membership.ID, membership.UserID, membership.Type, string(membership.Status),
		toMillis(membership.StartDate), toMillis(membership.EndDate), toMillis(stamp(membership.CreatedAt)))
	if err != nil {
		return mapWriteError(err)
	}
	for _, gymID := range membership.GymIDs {
		if _, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO membership_gyms (membership_id, gym_id) VALUES (?, ?)`,
			membership.ID, gymID,
		); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (q *Queries) CountActiveMembershipsByType(ctx context.Context, gymID string, at time.Time) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.type, count(*)
		FROM memberships m
		JOIN membership_gyms mg ON mg.membership_id = m.id
		WHERE mg.gym_id = ? AND m.status = 'ACTIVE' AND m.start_date <= ? AND m.end_date >= ?
		GROUP BY m.type
	`, gymID, toMillis(at), toMillis(at))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

// Check-ins

const checkInColumns = `id, gym_id, user_id, checked_in, checked_out, event_id, checkout_event_id`

func (q *Queries) GetCheckIn(ctx context.Context, id string) (model.CheckIn, error) {
	return scanCheckIn(q.db.QueryRowContext(ctx, `SELECT `+checkInColumns+` FROM checkins WHERE id = ?`, id))
}

func (q *Queries) GetCheckInByEvent(ctx context.Context, eventID string) (model.CheckIn, error) {
	return scanCheckIn(q.db.QueryRowContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE event_id = ? OR checkout_event_id = ?
		LIMIT 1
	`, eventID, eventID))
}

func (q *Queries) GetActiveCheckIn(ctx context.Context, gymID, userID string) (model.CheckIn, error) {
	return scanCheckIn(q.db.QueryRowContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = ? AND user_id = ? AND checked_out IS NULL
	`, gymID, userID))
}

func (q *Queries) CountActiveCheckIns(ctx context.Context, gymID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM checkins WHERE gym_id = ? AND checked_out IS NULL`, gymID).Scan(&count)
	return count, err
}

func (q *Queries) CreateCheckIn(ctx context.Context, params db.CreateCheckInParams) (model.CheckIn, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO checkins (id, gym_id, user_id, checked_in, event_id)
		VALUES (?, ?, ?, ?, ?)
	`, params.ID, params.GymID, nullString(params.UserID), toMillis(params.CheckedIn), nullString(params.EventID))
	if err != nil {
		return model.CheckIn{}, mapWriteError(err)
	}
	if err := q.recordEventKey(ctx, params.EventID, params.ID, "entry", params.CheckedIn); err != nil {
		return model.CheckIn{}, err
	}
	return q.GetCheckIn(ctx, params.ID)
}

func (q *Queries) CloseCheckIn(ctx context.Context, params db.CloseCheckInParams) (model.CheckIn, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE checkins
		SET checked_out = ?, checkout_event_id = ?
		WHERE id = ? AND checked_out IS NULL
	`, toMillis(params.CheckedOut), nullString(params.CheckoutEventID), params.ID)
	if err != nil {
		return model.CheckIn{}, mapWriteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return model.CheckIn{}, err
	}
	if affected == 0 {
		return model.CheckIn{}, db.ErrNotFound
	}
	if err := q.recordEventKey(ctx, params.CheckoutEventID, params.ID, "exit", params.CheckedOut); err != nil {
		return model.CheckIn{}, err
	}
	return q.GetCheckIn(ctx, params.ID)
}

// recordEventKey claims eventID in the key space shared by entries and exits.
// Callers run inside WithTx so a rejected key rolls the row change back.
func (q *Queries) recordEventKey(ctx context.Context, eventID *string, checkInID, kind string, at time.Time) error {
	if eventID == nil {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO event_keys (event_id, checkin_id, kind, recorded_at)
		VALUES (?, ?, ?, ?)
	`, *eventID, checkInID, kind, toMillis(at))
	return mapWriteError(err)
}

func (q *Queries) ListActiveCheckIns(ctx context.Context, gymID string) ([]model.CheckIn, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = ? AND checked_out IS NULL
		ORDER BY checked_in DESC
	`, gymID)
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListActiveCheckInsByUser(ctx context.Context, userID string) ([]model.CheckIn, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE user_id = ? AND checked_out IS NULL
		ORDER BY checked_in DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListCheckInsInRange(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE gym_id = ? AND checked_in < ? AND (checked_out IS NULL OR checked_out >= ?)
		ORDER BY checked_in ASC
	`, gymID, toMillis(to), toMillis(from))
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func (q *Queries) ListStaleCheckIns(ctx context.Context, before time.Time) ([]model.CheckIn, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+checkInColumns+`
		FROM checkins
		WHERE checked_out IS NULL AND checked_in < ?
		ORDER BY checked_in ASC
	`, toMillis(before))
	if err != nil {
		return nil, err
	}
	return collectCheckIns(rows)
}

func scanCheckIn(row rowScanner) (model.CheckIn, error) {
	var (
		checkIn         model.CheckIn
		userID          sql.NullString
		checkedIn       int64
		checkedOut      sql.NullInt64
		eventID         sql.NullString
		checkoutEventID sql.NullString
	)
	if err := row.Scan(&checkIn.ID, &checkIn.GymID, &userID, &checkedIn, &checkedOut, &eventID, &checkoutEventID); err != nil {
		return model.CheckIn{}, mapReadError(err)
	}
	checkIn.UserID = stringPtr(userID)
	checkIn.CheckedIn = fromMillis(checkedIn)
	if checkedOut.Valid {
		out := fromMillis(checkedOut.Int64)
		checkIn.CheckedOut = &out
	}
	checkIn.EventID = stringPtr(eventID)
	checkIn.CheckoutEventID = stringPtr(checkoutEventID)
	return checkIn, nil
}

func collectCheckIns(rows *sql.Rows) ([]model.CheckIn, error) {
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
	if errors.Is(err, sql.ErrNoRows) {
		return db.ErrNotFound
	}
	return err
}

func mapWriteError(err error) error {
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "checkins.gym_id"):
		return db.ErrDuplicateSession
	case strings.Contains(message, "checkins.event_id"), strings.Contains(message, "checkins.checkout_event_id"),
		strings.Contains(message, "event_keys.event_id"):
		return db.ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %s", db.ErrConflict, message)
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// Conversions

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	text := value.String
	return &text
}

var _ db.Store = (*Store)(nil)
