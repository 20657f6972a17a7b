// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

// Package calserver is the reference sync backend: a Postgres-backed message
// document store, the submission endpoint with billing/throttling outcomes,
// the pending-state protocol producer, and a WebSocket change-event hub.
package calserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTooManyIDs is returned when a batched fetch exceeds the per-round-trip
// id cap.
var ErrTooManyIDs = errors.New("calserver: too many ids in batch")

// FoodBatchLimit caps message ids per food line-item fetch.
const FoodBatchLimit = 30

// Broadcaster pushes change events to a user's connected listeners. The hub
// implements it; the service tolerates a nil broadcaster (no listeners yet).
type Broadcaster interface {
	Broadcast(userID string, ev ChangeEvent)
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	Limits Limits
}

// Service provides the server-side sync functionality on a pgx pool.
type Service struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	limits      Limits
	broadcaster Broadcaster
	wake        chan struct{}
}

// NewService creates the service and initializes the schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limits := DefaultLimits()
	if config != nil && config.Limits != (Limits{}) {
		limits = config.Limits
	}
	s := &Service{
		pool:   pool,
		logger: logger,
		limits: limits,
		wake:   make(chan struct{}, 1),
	}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetBroadcaster wires the change-event hub in after construction.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

func (s *Service) broadcast(userID string, ev ChangeEvent) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(userID, ev)
	}
}

// Wake nudges the analysis processor; safe to call from any goroutine.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitMessage validates quota and stores a submitted message with state
// queued (or reply), appending its id to the user's pending list. The
// returned int is the HTTP status the endpoint responds with. Resubmission
// of an already stored id is accepted without double-counting quota.
func (s *Service) SubmitMessage(ctx context.Context, userID string, req *NewMessageRequest) (int, error) {
	if req.ID == "" {
		return http.StatusBadRequest, nil
	}

	status := http.StatusOK
	inserted := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sync.profiles (uid) VALUES ($1) ON CONFLICT (uid) DO NOTHING`, userID); err != nil {
			return err
		}
		var tier string
		if err := tx.QueryRow(ctx,
			`SELECT subscription_tier FROM sync.profiles WHERE uid = $1`, userID).Scan(&tier); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO sync.daily_usage (uid, day) VALUES ($1, CURRENT_DATE) ON CONFLICT (uid, day) DO NOTHING`,
			userID); err != nil {
			return err
		}
		var messagesToday, imagesToday int
		if err := tx.QueryRow(ctx,
			`SELECT messages, images FROM sync.daily_usage WHERE uid = $1 AND day = CURRENT_DATE FOR UPDATE`,
			userID).Scan(&messagesToday, &imagesToday); err != nil {
			return err
		}

		hasImage := req.Image != nil
		status = decideSubmitStatus(tier, messagesToday, imagesToday, hasImage, s.limits)
		if status != http.StatusOK {
			return nil
		}

		now := time.Now().UTC()
		doc := MessageDoc{
			SchemaVersion:       MessageDocSchemaVersion,
			ID:                  req.ID,
			UID:                 userID,
			ProcessingState:     StateQueued,
			Classification:      ClassificationNone,
			Text:                req.Text,
			Image:               req.Image,
			MealHint:            req.MealHint,
			ReplyingToMessageID: req.ReplyingToMessageID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		// Replies are embedded under another message, not fed through the
		// analysis pipeline.
		if req.ReplyingToMessageID != "" {
			doc.ProcessingState = StateReply
		}
		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("failed to marshal message doc: %w", err)
		}

		ct, err := tx.Exec(ctx, `
			INSERT INTO sync.message_docs (id, uid, state, doc, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, doc.ID, userID, string(doc.ProcessingState), data, doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to store message doc: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil // duplicate submission, already accepted
		}
		inserted = true

		if _, err := tx.Exec(ctx, `
			UPDATE sync.daily_usage SET messages = messages + 1, images = images + $2
			WHERE uid = $1 AND day = CURRENT_DATE
		`, userID, boolToInt(hasImage)); err != nil {
			return fmt.Errorf("failed to bump usage: %w", err)
		}

		if doc.ProcessingState == StateQueued {
			if err := appendPendingID(ctx, tx, userID, doc.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if inserted {
		s.broadcastPendingState(ctx, userID)
		s.Wake()
	}
	return status, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// appendPendingID adds an id to pending_message_ids unless already present.
func appendPendingID(ctx context.Context, tx pgx.Tx, userID, id string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.pending_state (uid, pending_message_ids, updated_at)
		VALUES ($1, ARRAY[$2], now())
		ON CONFLICT (uid) DO UPDATE SET
			pending_message_ids = CASE
				WHEN $2 = ANY (sync.pending_state.pending_message_ids)
					THEN sync.pending_state.pending_message_ids
				ELSE array_append(sync.pending_state.pending_message_ids, $2)
			END,
			updated_at = now()
	`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to append pending id: %w", err)
	}
	return nil
}

// MessagesSince returns a user's documents with updated_at at or after since,
// oldest first.
func (s *Service) MessagesSince(ctx context.Context, userID string, since time.Time) ([]MessageDoc, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM sync.message_docs
		WHERE uid = $1 AND updated_at >= $2
		ORDER BY updated_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectDocs(rows)
}

// MessagesByIDs returns full documents for the given ids, scoped to the user.
func (s *Service) MessagesByIDs(ctx context.Context, userID string, ids []string) ([]MessageDoc, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM sync.message_docs
		WHERE uid = $1 AND id = ANY($2)
		ORDER BY updated_at
	`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages by id: %w", err)
	}
	defer rows.Close()
	return collectDocs(rows)
}

func collectDocs(rows pgx.Rows) ([]MessageDoc, error) {
	var docs []MessageDoc
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc MessageDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message doc: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FoodsForMessages returns food line items for up to FoodBatchLimit message
// ids.
func (s *Service) FoodsForMessages(ctx context.Context, userID string, messageIDs []string) ([]FoodDoc, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	if len(messageIDs) > FoodBatchLimit {
		return nil, ErrTooManyIDs
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM sync.food_log_foods
		WHERE uid = $1 AND message_id = ANY($2)
		ORDER BY id
	`, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query foods: %w", err)
	}
	defer rows.Close()

	var foods []FoodDoc
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f FoodDoc
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal food doc: %w", err)
		}
		foods = append(foods, f)
	}
	return foods, rows.Err()
}

// AckProcessed removes exactly the given ids from the user's processed list.
// Ids appended concurrently by the pipeline are preserved; the whole update
// runs under the row lock.
func (s *Service) AckProcessed(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var processed []string
		err := tx.QueryRow(ctx,
			`SELECT processed_message_ids FROM sync.pending_state WHERE uid = $1 FOR UPDATE`,
			userID).Scan(&processed)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE sync.pending_state SET processed_message_ids = $2, updated_at = now() WHERE uid = $1`,
			userID, removeAcked(processed, ids))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to ack processed ids: %w", err)
	}
	s.broadcastPendingState(ctx, userID)
	return nil
}

// removeAcked returns processed minus the acked ids, preserving order. Only
// the listed ids are removed; ids the pipeline appended after the client's
// fetch survive.
func removeAcked(processed, acked []string) []string {
	remove := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		remove[id] = struct{}{}
	}
	remaining := make([]string, 0, len(processed))
	for _, id := range processed {
		if _, ok := remove[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// PendingState returns the user's pending-state document (empty lists when
// none exists yet).
func (s *Service) PendingState(ctx context.Context, userID string) (*PendingStateDoc, error) {
	doc := &PendingStateDoc{
		UID:                 userID,
		ID:                  userID,
		PendingMessageIDs:   []string{},
		ProcessedMessageIDs: []string{},
	}
	err := s.pool.QueryRow(ctx, `
		SELECT pending_message_ids, processed_message_ids, updated_at
		FROM sync.pending_state WHERE uid = $1
	`, userID).Scan(&doc.PendingMessageIDs, &doc.ProcessedMessageIDs, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending state: %w", err)
	}
	return doc, nil
}

// Profile returns the user's profile, creating a trial profile on first use.
func (s *Service) Profile(ctx context.Context, userID string) (*ProfileDoc, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO sync.profiles (uid) VALUES ($1) ON CONFLICT (uid) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}
	var doc ProfileDoc
	doc.UID = userID
	err := s.pool.QueryRow(ctx,
		`SELECT display_name, subscription_tier, updated_at FROM sync.profiles WHERE uid = $1`,
		userID).Scan(&doc.DisplayName, &doc.SubscriptionTier, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &doc, nil
}

// SetSubscriptionTier updates a user's tier and pushes the profile change.
func (s *Service) SetSubscriptionTier(ctx context.Context, userID, tier string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync.profiles (uid, subscription_tier, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (uid) DO UPDATE SET subscription_tier = $2, updated_at = now()
	`, userID, tier)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	if doc, err := s.Profile(ctx, userID); err == nil {
		s.broadcast(userID, ChangeEvent{Topic: TopicProfile, Profile: doc})
	}
	return nil
}

func (s *Service) broadcastPendingState(ctx context.Context, userID string) {
	doc, err := s.PendingState(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load pending state for broadcast", "error", err, "uid", userID)
		return
	}
	s.broadcast(userID, ChangeEvent{Topic: TopicPendingState, PendingState: doc})
}
