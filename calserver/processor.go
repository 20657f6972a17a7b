// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Processor is the asynchronous analysis pipeline. It drives every queued
// message through processing to completed, populating the sub-record that
// matches the classification, and moves the id from the pending to the
// processed list so clients reconcile it.
type Processor struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
}

// NewProcessor creates a processor polling at the given interval (plus
// immediate wakeups on submission).
func NewProcessor(service *Service, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{service: service, logger: logger, interval: interval}
}

// Run processes queued messages until ctx is canceled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Error("failed to process message", "error", err)
		}
		if worked && err == nil {
			continue // drain the queue before sleeping
		}
		select {
		case <-ctx.Done():
			return
		case <-p.service.wake:
		case <-ticker.C:
		}
	}
}

// ProcessOne claims a single queued message and completes it. Returns false
// when the queue is empty.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	doc, err := p.claimQueued(ctx)
	if err != nil || doc == nil {
		return false, err
	}

	// The claim already pushed state processing; the analysis itself is a
	// pure local computation.
	now := time.Now().UTC()
	foods := analyzeMessage(doc, now)
	doc.ProcessingState = StateCompleted
	doc.UpdatedAt = now

	if err := p.complete(ctx, doc, foods); err != nil {
		return true, err
	}
	p.service.broadcast(doc.UID, ChangeEvent{Topic: TopicMessages, Message: doc})
	p.service.broadcastPendingState(ctx, doc.UID)
	return true, nil
}

// claimQueued atomically claims the oldest queued message, marking it
// processing. SKIP LOCKED keeps multiple processors from double-claiming.
func (p *Processor) claimQueued(ctx context.Context) (*MessageDoc, error) {
	var doc *MessageDoc
	err := pgx.BeginFunc(ctx, p.service.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `
			SELECT doc FROM sync.message_docs
			WHERE state = $1
			ORDER BY updated_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, string(StateQueued)).Scan(&data)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		var d MessageDoc
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("failed to unmarshal queued doc: %w", err)
		}
		d.ProcessingState = StateProcessing
		d.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE sync.message_docs SET state = $2, doc = $3, updated_at = $4 WHERE id = $1
		`, d.ID, string(d.ProcessingState), updated, d.UpdatedAt); err != nil {
			return err
		}
		doc = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if doc != nil {
		p.service.broadcast(doc.UID, ChangeEvent{Topic: TopicMessages, Message: doc})
	}
	return doc, nil
}

// complete stores the finished document and its foods, and atomically moves
// the id from pending_message_ids to processed_message_ids.
func (p *Processor) complete(ctx context.Context, doc *MessageDoc, foods []FoodDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal completed doc: %w", err)
	}
	return pgx.BeginFunc(ctx, p.service.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE sync.message_docs SET state = $2, doc = $3, updated_at = $4 WHERE id = $1
		`, doc.ID, string(doc.ProcessingState), data, doc.UpdatedAt); err != nil {
			return err
		}
		for i := range foods {
			fdata, err := json.Marshal(&foods[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync.food_log_foods (id, uid, message_id, doc, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO NOTHING
			`, foods[i].ID, doc.UID, doc.ID, fdata, doc.UpdatedAt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			UPDATE sync.pending_state SET
				pending_message_ids = array_remove(pending_message_ids, $2),
				processed_message_ids = CASE
					WHEN $2 = ANY (processed_message_ids) THEN processed_message_ids
					ELSE array_append(processed_message_ids, $2)
				END,
				updated_at = now()
			WHERE uid = $1
		`, doc.UID, doc.ID)
		return err
	})
}
