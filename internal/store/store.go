// Package store provides the local SQLite persistence for datapill:
// the per-day usage ledger, the singleton plan record, and app settings.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// dayFormat is the storage format for the ledger's identity key.
// One row per calendar day, keyed by the UTC day start.
const dayFormat = "2006-01-02"

// Store provides SQLite storage for datapill.
type Store struct {
	db *sql.DB
}

// UsageRecord is one day of the usage ledger.
type UsageRecord struct {
	Date               time.Time // day start (identity key)
	TotalUsedData      float64   // last observed cumulative counter value (MB); may be stale
	DailyUsedData      float64   // accumulated delta for the day (MB); never decreases within a day
	HasLastTotal       bool      // false until the first counter sample of the day
	IsSyncedToRemote   bool
	LastSyncedToRemote *time.Time // nil if never synced
}

// PlanRecord is the singleton data plan. Exactly one row exists once read.
type PlanRecord struct {
	StartDate  time.Time
	EndDate    time.Time
	DataAmount float64 // total allowance (MB)
	DailyLimit float64
	PlanLimit  float64
}

// IsFresh reports whether the plan is still at its auto-created defaults
// (start == end == the given day, all amounts zero). A plan the user
// deliberately configured to all-zero values on day one is indistinguishable
// from a never-configured one; callers treat this as a pull hint only.
func (p *PlanRecord) IsFresh(today time.Time) bool {
	day := DayStart(today)
	return p.StartDate.Equal(day) && p.EndDate.Equal(day) &&
		p.DataAmount == 0 && p.DailyLimit == 0 && p.PlanLimit == 0
}

// DataError is a typed local-persistence failure surfaced to consumers.
// Remote sync failures never produce a DataError.
type DataError struct {
	Op  string
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

func dataErr(op string, err error) error {
	return &DataError{Op: op, Err: err}
}

// DayStart normalizes a timestamp to its UTC day start, the ledger key.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// New creates a new Store with the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer; keeping connections low bounds the page
	// cache footprint. busy_timeout handles contention.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the database schema.
func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_records (
			date TEXT PRIMARY KEY,
			total_used_data REAL NOT NULL DEFAULT 0,
			daily_used_data REAL NOT NULL DEFAULT 0,
			has_last_total INTEGER NOT NULL DEFAULT 0,
			is_synced_to_remote INTEGER NOT NULL DEFAULT 0,
			last_synced_to_remote TEXT
		);

		CREATE TABLE IF NOT EXISTS plan (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			data_amount REAL NOT NULL DEFAULT 0,
			daily_limit REAL NOT NULL DEFAULT 0,
			plan_limit REAL NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_tokens (
			token      TEXT PRIMARY KEY,
			expires_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_synced ON usage_records(is_synced_to_remote);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const usageColumns = `date, total_used_data, daily_used_data, has_last_total,
	is_synced_to_remote, last_synced_to_remote`

func scanUsage(scan func(...any) error) (*UsageRecord, error) {
	var rec UsageRecord
	var date string
	var lastSynced sql.NullString
	if err := scan(&date, &rec.TotalUsedData, &rec.DailyUsedData,
		&rec.HasLastTotal, &rec.IsSyncedToRemote, &lastSynced); err != nil {
		return nil, err
	}
	rec.Date, _ = time.Parse(dayFormat, date)
	if lastSynced.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastSynced.String)
		rec.LastSyncedToRemote = &t
	}
	return &rec, nil
}

// GetUsage returns the ledger row for the given day, or nil if absent.
func (s *Store) GetUsage(day time.Time) (*UsageRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+usageColumns+` FROM usage_records WHERE date = ?`,
		DayStart(day).Format(dayFormat),
	)
	rec, err := scanUsage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dataErr("GetUsage", err)
	}
	return rec, nil
}

// TodayUsage returns today's ledger row, creating it with zero values if
// absent. Exactly one row per day exists once this has been called.
func (s *Store) TodayUsage(now time.Time) (*UsageRecord, error) {
	day := DayStart(now)
	rec, err := s.GetUsage(day)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec = &UsageRecord{Date: day}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO usage_records (date) VALUES (?)`,
		day.Format(dayFormat),
	); err != nil {
		return nil, dataErr("TodayUsage", err)
	}
	return rec, nil
}

// GetAllUsage returns every ledger row ordered by day ascending.
func (s *Store) GetAllUsage() ([]*UsageRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + usageColumns + ` FROM usage_records ORDER BY date ASC`,
	)
	if err != nil {
		return nil, dataErr("GetAllUsage", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, dataErr("GetAllUsage", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dataErr("GetAllUsage", err)
	}
	return records, nil
}

// QueryUsageRange returns ledger rows with start <= day <= end, ascending.
func (s *Store) QueryUsageRange(start, end time.Time) ([]*UsageRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+usageColumns+` FROM usage_records
		WHERE date BETWEEN ? AND ? ORDER BY date ASC`,
		DayStart(start).Format(dayFormat), DayStart(end).Format(dayFormat),
	)
	if err != nil {
		return nil, dataErr("QueryUsageRange", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, dataErr("QueryUsageRange", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dataErr("QueryUsageRange", err)
	}
	return records, nil
}

// MostRecentWithTotal returns the most recent row whose cumulative counter
// value is meaningful, or nil if no sample has ever been recorded.
func (s *Store) MostRecentWithTotal() (*UsageRecord, error) {
	row := s.db.QueryRow(
		`SELECT ` + usageColumns + ` FROM usage_records
		WHERE has_last_total = 1 ORDER BY date DESC LIMIT 1`,
	)
	rec, err := scanUsage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dataErr("MostRecentWithTotal", err)
	}
	return rec, nil
}

// UpdateUsage writes back a ledger row by its day key.
func (s *Store) UpdateUsage(rec *UsageRecord) error {
	var lastSynced any
	if rec.LastSyncedToRemote != nil {
		lastSynced = rec.LastSyncedToRemote.Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO usage_records
		(date, total_used_data, daily_used_data, has_last_total,
		 is_synced_to_remote, last_synced_to_remote)
		VALUES (?, ?, ?, ?, ?, ?)`,
		DayStart(rec.Date).Format(dayFormat),
		rec.TotalUsedData, rec.DailyUsedData, rec.HasLastTotal,
		rec.IsSyncedToRemote, lastSynced,
	)
	if err != nil {
		return dataErr("UpdateUsage", err)
	}
	return nil
}

// BatchInsertUsage inserts ledger rows in one transaction. Existing days are
// left untouched: the local copy is authoritative once it exists.
func (s *Store) BatchInsertUsage(records []*UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return dataErr("BatchInsertUsage", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO usage_records
		(date, total_used_data, daily_used_data, has_last_total,
		 is_synced_to_remote, last_synced_to_remote)
		VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return dataErr("BatchInsertUsage", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var lastSynced any
		if rec.LastSyncedToRemote != nil {
			lastSynced = rec.LastSyncedToRemote.Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(
			DayStart(rec.Date).Format(dayFormat),
			rec.TotalUsedData, rec.DailyUsedData, rec.HasLastTotal,
			rec.IsSyncedToRemote, lastSynced,
		); err != nil {
			return dataErr("BatchInsertUsage", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dataErr("BatchInsertUsage", err)
	}
	return nil
}

// GetPlan returns the plan record, auto-creating the fresh default
// (start = end = today, all amounts zero) on first read.
func (s *Store) GetPlan(now time.Time) (*PlanRecord, error) {
	var plan PlanRecord
	var start, end string
	err := s.db.QueryRow(
		`SELECT start_date, end_date, data_amount, daily_limit, plan_limit
		FROM plan WHERE id = 1`,
	).Scan(&start, &end, &plan.DataAmount, &plan.DailyLimit, &plan.PlanLimit)

	if err == sql.ErrNoRows {
		day := DayStart(now)
		plan = PlanRecord{StartDate: day, EndDate: day}
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO plan (id, start_date, end_date) VALUES (1, ?, ?)`,
			day.Format(dayFormat), day.Format(dayFormat),
		); err != nil {
			return nil, dataErr("GetPlan", err)
		}
		return &plan, nil
	}
	if err != nil {
		return nil, dataErr("GetPlan", err)
	}

	plan.StartDate, _ = time.Parse(dayFormat, start)
	plan.EndDate, _ = time.Parse(dayFormat, end)
	return &plan, nil
}

// UpdatePlan writes back the singleton plan record.
func (s *Store) UpdatePlan(plan *PlanRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO plan
		(id, start_date, end_date, data_amount, daily_limit, plan_limit)
		VALUES (1, ?, ?, ?, ?, ?)`,
		DayStart(plan.StartDate).Format(dayFormat),
		DayStart(plan.EndDate).Format(dayFormat),
		plan.DataAmount, plan.DailyLimit, plan.PlanLimit,
	)
	if err != nil {
		return dataErr("UpdatePlan", err)
	}
	return nil
}

// GetSetting returns the value for a setting key. Returns "" if not found.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dataErr("GetSetting", err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return dataErr("SetSetting", err)
	}
	return nil
}

const (
	settingWatermark  = "last_synced_to_remote"
	settingGuideShown = "was_guide_shown"
)

// Watermark returns the advisory last-synced timestamp, or the zero time if
// it has never been set. Correctness never depends on it; it only hints which
// historical rows are worth re-checking.
func (s *Store) Watermark() (time.Time, error) {
	v, err := s.GetSetting(settingWatermark)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SetWatermark advances the advisory last-synced timestamp.
func (s *Store) SetWatermark(t time.Time) error {
	return s.SetSetting(settingWatermark, t.UTC().Format(time.RFC3339Nano))
}

// GuideShown reports whether onboarding has completed on this install.
func (s *Store) GuideShown() (bool, error) {
	v, err := s.GetSetting(settingGuideShown)
	if err != nil {
		return false, err
	}
	b, _ := strconv.ParseBool(v)
	return b, nil
}

// SetGuideShown records onboarding completion.
func (s *Store) SetGuideShown(shown bool) error {
	return s.SetSetting(settingGuideShown, strconv.FormatBool(shown))
}

// SaveAuthToken persists a web session token with its expiry.
func (s *Store) SaveAuthToken(token string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO auth_tokens (token, expires_at) VALUES (?, ?)",
		token, expiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return dataErr("SaveAuthToken", err)
	}
	return nil
}

// GetAuthTokenExpiry returns the expiry time for a token. Returns zero time
// and false if not found.
func (s *Store) GetAuthTokenExpiry(token string) (time.Time, bool, error) {
	var expiresAt string
	err := s.db.QueryRow("SELECT expires_at FROM auth_tokens WHERE token = ?", token).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, dataErr("GetAuthTokenExpiry", err)
	}
	t, _ := time.Parse(time.RFC3339Nano, expiresAt)
	return t, true, nil
}

// DeleteAuthToken removes a web session token.
func (s *Store) DeleteAuthToken(token string) error {
	_, err := s.db.Exec("DELETE FROM auth_tokens WHERE token = ?", token)
	if err != nil {
		return dataErr("DeleteAuthToken", err)
	}
	return nil
}

// CleanExpiredAuthTokens removes all expired tokens.
func (s *Store) CleanExpiredAuthTokens() error {
	_, err := s.db.Exec("DELETE FROM auth_tokens WHERE expires_at < ?",
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return dataErr("CleanExpiredAuthTokens", err)
	}
	return nil
}

// GetUser returns the password hash for a username. Returns "" if not found.
func (s *Store) GetUser(username string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dataErr("GetUser", err)
	}
	return hash, nil
}

// UpsertUser inserts or updates a user's password hash.
func (s *Store) UpsertUser(username, passwordHash string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO users (username, password_hash, updated_at) VALUES (?, ?, ?)",
		username, passwordHash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return dataErr("UpsertUser", err)
	}
	return nil
}
