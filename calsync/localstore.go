// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
	"github.com/PiyushPoshiya/cal-ai-sub000/calsync/migrations"
)

// ErrNotFound is returned when a requested row does not exist or is soft
// deleted.
var ErrNotFound = errors.New("calsync: not found")

// LocalStore is the per-identity SQLite cache. All mutations go through a
// single write mutex, so concurrent send pipelines and listener goroutines
// never race on the database. Exactly one open handle per identity is allowed;
// the coordinator owns it.
type LocalStore struct {
	db       *sql.DB
	identity string
	logger   *slog.Logger

	writeMu sync.Mutex
}

// OpenLocalStore opens (or creates) the cache database at path and runs the
// embedded migrations. Use ":memory:" for tests.
func OpenLocalStore(ctx context.Context, path, identity string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// A single connection keeps transactions and the in-memory DSN sane.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}

	s := &LocalStore{db: db, identity: identity, logger: logger}
	if err := s.ensureClientInfo(ctx, identity); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *LocalStore) ensureClientInfo(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_info (id, identity, last_message_seen_at)
		VALUES (1, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, identity)
	if err != nil {
		return fmt.Errorf("failed to init client info: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Identity returns the identity this store was opened for.
func (s *LocalStore) Identity() string {
	return s.identity
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// UpsertMessage merges a message and its sub-records in one transaction.
// Existing sub-records owned by the message are replaced wholesale, which
// makes the merge idempotent: applying the same record twice leaves the
// store byte-identical. Locally created favorite clones are not owned by any
// message (NULL message_id) and survive the replacement. A local deletion
// marker is never cleared: listener redelivery of an already-deleted message
// must not resurrect it.
func (s *LocalStore) UpsertMessage(ctx context.Context, rec *MessageRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m := &rec.Message
	img := m.Image
	if img == nil {
		img = &Asset{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, from_system, text, processing_state, classification,
			meal_hint, replying_to_message_id,
			image_local_path, image_remote_path, image_download_url, image_upload_state,
			created_at, updated_at, date_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			from_system = excluded.from_system,
			text = excluded.text,
			processing_state = excluded.processing_state,
			classification = excluded.classification,
			meal_hint = excluded.meal_hint,
			replying_to_message_id = excluded.replying_to_message_id,
			image_local_path = excluded.image_local_path,
			image_remote_path = excluded.image_remote_path,
			image_download_url = excluded.image_download_url,
			image_upload_state = excluded.image_upload_state,
			updated_at = excluded.updated_at,
			date_deleted = COALESCE(messages.date_deleted, excluded.date_deleted)
	`, m.ID, boolToInt(m.FromSystem), m.Text, string(m.ProcessingState), string(m.Classification),
		m.MealHint, m.ReplyingToMessageID,
		img.LocalPath, img.RemotePath, img.DownloadURL, string(img.UploadState),
		toMillis(m.CreatedAt), toMillis(m.UpdatedAt), millisPtr(m.DateDeleted))
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	for _, q := range []string{
		`DELETE FROM food_log_foods WHERE message_id = ?`,
		`DELETE FROM food_log_entries WHERE message_id = ?`,
		`DELETE FROM activity_logs WHERE message_id = ?`,
		`DELETE FROM weight_logs WHERE message_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, m.ID); err != nil {
			return fmt.Errorf("failed to replace sub-records: %w", err)
		}
	}

	if e := rec.FoodLog; e != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO food_log_entries (id, message_id, title, calories, fat, carbs, protein, favorite, logged_at, date_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				message_id = excluded.message_id, title = excluded.title,
				calories = excluded.calories, fat = excluded.fat,
				carbs = excluded.carbs, protein = excluded.protein,
				favorite = excluded.favorite, logged_at = excluded.logged_at,
				date_deleted = excluded.date_deleted
		`, e.ID, m.ID, e.Title, e.Calories, e.Fat, e.Carbs, e.Protein, boolToInt(e.Favorite),
			toMillis(e.LoggedAt), millisPtr(e.DateDeleted))
		if err != nil {
			return fmt.Errorf("failed to upsert food log entry: %w", err)
		}
		for i := range rec.Foods {
			f := &rec.Foods[i]
			_, err = tx.ExecContext(ctx, `
				INSERT INTO food_log_foods (id, entry_id, message_id, name, amount, portion, calories, fat, carbs, protein, date_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					entry_id = excluded.entry_id, message_id = excluded.message_id,
					name = excluded.name, amount = excluded.amount, portion = excluded.portion,
					calories = excluded.calories, fat = excluded.fat,
					carbs = excluded.carbs, protein = excluded.protein,
					date_deleted = excluded.date_deleted
			`, f.ID, e.ID, m.ID, f.Name, f.Amount, f.Portion, f.Calories, f.Fat, f.Carbs, f.Protein,
				millisPtr(f.DateDeleted))
			if err != nil {
				return fmt.Errorf("failed to upsert food: %w", err)
			}
		}
	}
	if a := rec.ActivityLog; a != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_logs (id, message_id, name, duration_min, calories_burned, logged_at, date_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				message_id = excluded.message_id, name = excluded.name,
				duration_min = excluded.duration_min, calories_burned = excluded.calories_burned,
				logged_at = excluded.logged_at, date_deleted = excluded.date_deleted
		`, a.ID, m.ID, a.Name, a.DurationMin, a.CaloriesBurned, toMillis(a.LoggedAt), millisPtr(a.DateDeleted))
		if err != nil {
			return fmt.Errorf("failed to upsert activity log: %w", err)
		}
	}
	if w := rec.WeightLog; w != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO weight_logs (id, message_id, weight_kg, logged_at, date_deleted)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				message_id = excluded.message_id, weight_kg = excluded.weight_kg,
				logged_at = excluded.logged_at, date_deleted = excluded.date_deleted
		`, w.ID, m.ID, w.WeightKg, toMillis(w.LoggedAt), millisPtr(w.DateDeleted))
		if err != nil {
			return fmt.Errorf("failed to upsert weight log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetMessageState updates only the processing state of a message.
func (s *LocalStore) SetMessageState(ctx context.Context, id string, state calserver.ProcessingState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processing_state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set message state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageImage updates the image columns of a message.
func (s *LocalStore) SetMessageImage(ctx context.Context, id string, img *Asset) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET image_local_path = ?, image_remote_path = ?,
			image_download_url = ?, image_upload_state = ?, updated_at = ?
		WHERE id = ?
	`, img.LocalPath, img.RemotePath, img.DownloadURL, string(img.UploadState),
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set message image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, from_system, text, processing_state, classification,
	meal_hint, replying_to_message_id,
	image_local_path, image_remote_path, image_download_url, image_upload_state,
	created_at, updated_at, date_deleted`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var fromSystem int
	var state, classification, imgUploadState string
	var imgLocal, imgRemote, imgURL string
	var createdAt, updatedAt int64
	var deleted sql.NullInt64
	err := row.Scan(&m.ID, &fromSystem, &m.Text, &state, &classification,
		&m.MealHint, &m.ReplyingToMessageID,
		&imgLocal, &imgRemote, &imgURL, &imgUploadState,
		&createdAt, &updatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	m.FromSystem = fromSystem != 0
	m.ProcessingState = calserver.ProcessingState(state)
	m.Classification = calserver.Classification(classification)
	if imgLocal != "" || imgRemote != "" || imgURL != "" || imgUploadState != "" {
		m.Image = &Asset{
			LocalPath:   imgLocal,
			RemotePath:  imgRemote,
			DownloadURL: imgURL,
			UploadState: calserver.AssetUploadState(imgUploadState),
		}
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	m.DateDeleted = timePtr(deleted)
	return &m, nil
}

// GetMessage returns a message by id, including soft-deleted ones (callers
// check DateDeleted).
func (s *LocalStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// DeleteMessage soft-deletes a message. The row is kept because sub-records
// and replies may still reference it; a deleted message is never resurrected.
func (s *LocalStore) DeleteMessage(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET date_deleted = ?, updated_at = ? WHERE id = ? AND date_deleted IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFoodLog returns the food-log entry owned by a message plus its line
// items, skipping soft-deleted foods.
func (s *LocalStore) GetFoodLog(ctx context.Context, messageID string) (*FoodLogEntry, []FoodLogFood, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, title, calories, fat, carbs, protein, favorite, logged_at, date_deleted
		FROM food_log_entries WHERE message_id = ?
	`, messageID)
	e, err := scanFoodLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get food log entry: %w", err)
	}
	foods, err := s.foodsForEntry(ctx, e.ID)
	if err != nil {
		return nil, nil, err
	}
	return e, foods, nil
}

func scanFoodLogEntry(row interface{ Scan(...any) error }) (*FoodLogEntry, error) {
	var e FoodLogEntry
	var messageID sql.NullString
	var favorite int
	var loggedAt int64
	var deleted sql.NullInt64
	err := row.Scan(&e.ID, &messageID, &e.Title, &e.Calories, &e.Fat, &e.Carbs, &e.Protein,
		&favorite, &loggedAt, &deleted)
	if err != nil {
		return nil, err
	}
	e.MessageID = messageID.String
	e.Favorite = favorite != 0
	e.LoggedAt = fromMillis(loggedAt)
	e.DateDeleted = timePtr(deleted)
	return &e, nil
}

func (s *LocalStore) foodsForEntry(ctx context.Context, entryID string) ([]FoodLogFood, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, message_id, name, amount, portion, calories, fat, carbs, protein, date_deleted
		FROM food_log_foods WHERE entry_id = ? AND date_deleted IS NULL ORDER BY id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query foods: %w", err)
	}
	defer rows.Close()

	var foods []FoodLogFood
	for rows.Next() {
		var f FoodLogFood
		var messageID sql.NullString
		var deleted sql.NullInt64
		if err := rows.Scan(&f.ID, &f.EntryID, &messageID, &f.Name, &f.Amount, &f.Portion,
			&f.Calories, &f.Fat, &f.Carbs, &f.Protein, &deleted); err != nil {
			return nil, err
		}
		f.MessageID = messageID.String
		f.DateDeleted = timePtr(deleted)
		foods = append(foods, f)
	}
	return foods, rows.Err()
}

// CloneEntryAsFavorite deep-clones a food-log entry and its line items into a
// new favorite entry under fresh ids. The clone is not owned by any message,
// so its lifecycle is decoupled from the original.
func (s *LocalStore) CloneEntryAsFavorite(ctx context.Context, entryID string, newID func() string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, title, calories, fat, carbs, protein, favorite, logged_at, date_deleted
		FROM food_log_entries WHERE id = ? AND date_deleted IS NULL
	`, entryID)
	e, err := scanFoodLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load entry for favorite: %w", err)
	}
	foods, err := s.foodsForEntry(ctx, e.ID)
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin favorite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cloneID := newID()
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO food_log_entries (id, message_id, title, calories, fat, carbs, protein, favorite, logged_at, date_deleted)
		VALUES (?, NULL, ?, ?, ?, ?, ?, 1, ?, NULL)
	`, cloneID, e.Title, e.Calories, e.Fat, e.Carbs, e.Protein, now)
	if err != nil {
		return "", fmt.Errorf("failed to clone entry: %w", err)
	}
	for _, f := range foods {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO food_log_foods (id, entry_id, message_id, name, amount, portion, calories, fat, carbs, protein, date_deleted)
			VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, newID(), cloneID, f.Name, f.Amount, f.Portion, f.Calories, f.Fat, f.Carbs, f.Protein)
		if err != nil {
			return "", fmt.Errorf("failed to clone food: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit favorite clone: %w", err)
	}
	return cloneID, nil
}

// MessagesWithLogsInRange returns non-deleted messages that own a food or
// activity log with logged_at in [from, to), ordered by creation time.
func (s *LocalStore) MessagesWithLogsInRange(ctx context.Context, from, to time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE date_deleted IS NULL AND id IN (
			SELECT message_id FROM food_log_entries
				WHERE message_id IS NOT NULL AND date_deleted IS NULL AND logged_at >= ? AND logged_at < ?
			UNION
			SELECT message_id FROM activity_logs
				WHERE message_id IS NOT NULL AND date_deleted IS NULL AND logged_at >= ? AND logged_at < ?
		)
		ORDER BY created_at
	`, toMillis(from), toMillis(to), toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query log messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// WeightLogsInRange returns non-deleted weight logs with logged_at in
// [from, to), ordered by logged_at.
func (s *LocalStore) WeightLogsInRange(ctx context.Context, from, to time.Time) ([]WeightLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, weight_kg, logged_at, date_deleted FROM weight_logs
		WHERE date_deleted IS NULL AND logged_at >= ? AND logged_at < ?
		ORDER BY logged_at
	`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query weight logs: %w", err)
	}
	defer rows.Close()

	var logs []WeightLog
	for rows.Next() {
		var w WeightLog
		var messageID sql.NullString
		var loggedAt int64
		var deleted sql.NullInt64
		if err := rows.Scan(&w.ID, &messageID, &w.WeightKg, &loggedAt, &deleted); err != nil {
			return nil, err
		}
		w.MessageID = messageID.String
		w.LoggedAt = fromMillis(loggedAt)
		w.DateDeleted = timePtr(deleted)
		logs = append(logs, w)
	}
	return logs, rows.Err()
}

// LatestMessageOfClassification returns the newest non-deleted message with
// the given classification, or ErrNotFound.
func (s *LocalStore) LatestMessageOfClassification(ctx context.Context, c calserver.Classification) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE date_deleted IS NULL AND classification = ?
		ORDER BY created_at DESC LIMIT 1
	`, string(c))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}
	return m, nil
}

// History returns non-deleted top-level messages (replies excluded) ordered
// by creation time.
func (s *LocalStore) History(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE date_deleted IS NULL AND replying_to_message_id = ''
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// UpsertProfile replaces the cached profile (last write wins).
func (s *LocalStore) UpsertProfile(ctx context.Context, p *Profile) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile (id, uid, display_name, subscription_tier, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uid = excluded.uid, display_name = excluded.display_name,
			subscription_tier = excluded.subscription_tier, updated_at = excluded.updated_at
	`, p.UID, p.DisplayName, p.SubscriptionTier, toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// GetProfile returns the cached profile or ErrNotFound.
func (s *LocalStore) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, display_name, subscription_tier, updated_at FROM profile WHERE id = 1`,
	).Scan(&p.UID, &p.DisplayName, &p.SubscriptionTier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// Watermark returns the most-recent-message-seen timestamp for this identity.
// A zero time means no backfill has completed yet.
func (s *LocalStore) Watermark(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_seen_at FROM client_info WHERE id = 1`).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return fromMillis(ms), nil
}

// AdvanceWatermark moves the watermark forward. Older timestamps are ignored
// so the watermark is monotonic even when merges are replayed out of order.
func (s *LocalStore) AdvanceWatermark(ctx context.Context, t time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE client_info SET last_message_seen_at = ? WHERE id = 1 AND last_message_seen_at < ?`,
		toMillis(t), toMillis(t))
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}
