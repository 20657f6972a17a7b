// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

// ErrNoIdentity is returned by operations that require a bound identity.
var ErrNoIdentity = errors.New("calsync: no identity bound")

// foodBatchLimit caps the message ids per line-item fetch round trip.
const foodBatchLimit = 30

// Config holds coordinator configuration.
type Config struct {
	// DataDir holds one SQLite file per identity. ":memory:" keeps every
	// identity's cache in memory (tests).
	DataDir string

	BackoffMin time.Duration
	BackoffMax time.Duration

	EventBuffer int
}

// DefaultConfig returns a configuration with the defaults used by the app.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:     dataDir,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
		EventBuffer: 64,
	}
}

// Coordinator owns the local cache for the currently bound identity and
// drives both sync directions: outbound message submission (asset upload,
// then submit, then state transition) and inbound reconciliation from the
// pending-state listener. Construct one per application context; there is no
// shared global instance.
type Coordinator struct {
	remote RemoteAPI
	assets AssetStore
	config *Config
	logger *slog.Logger

	events chan Event

	mu            sync.Mutex
	identity      string
	epoch         uint64
	store         *LocalStore
	stopListeners context.CancelFunc
}

// NewCoordinator creates a coordinator. No identity is bound yet.
func NewCoordinator(remote RemoteAPI, assets AssetStore, config *Config, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig(":memory:")
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		remote: remote,
		assets: assets,
		config: config,
		logger: logger,
		events: make(chan Event, config.EventBuffer),
	}
}

// Events returns the change-event stream republished to the UI layer. The
// channel is buffered; the oldest event is dropped when the consumer lags.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events: // drop oldest
		default:
		}
	}
}

// BindIdentity binds the coordinator to an identity. Binding the current
// identity is a no-op (this is the idempotent listener-registration guard).
// Otherwise the previous identity is fully torn down - listeners canceled,
// store closed - before the new store opens, so no event from the old
// identity's streams can mutate the new cache. Passing "" just unbinds.
func (c *Coordinator) BindIdentity(ctx context.Context, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if identity == c.identity {
		return nil
	}

	c.teardownLocked()

	if identity == "" {
		return nil
	}

	path := c.config.DataDir
	if path != ":memory:" {
		path = filepath.Join(c.config.DataDir, identity+".db")
	}
	store, err := OpenLocalStore(ctx, path, identity, c.logger)
	if err != nil {
		return fmt.Errorf("failed to open store for identity: %w", err)
	}

	c.identity = identity
	c.store = store
	c.epoch++
	epoch := c.epoch

	lctx, cancel := context.WithCancel(context.Background())
	c.stopListeners = cancel
	go c.listenLoop(lctx, epoch)

	c.logger.Info("identity bound", "identity", identity)
	return nil
}

func (c *Coordinator) teardownLocked() {
	if c.stopListeners != nil {
		c.stopListeners()
		c.stopListeners = nil
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("failed to close local store", "error", err)
		}
		c.store = nil
	}
	c.identity = ""
	c.epoch++ // any in-flight event from the old listeners is now stale
}

// Close unbinds the current identity and releases resources.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

// currentStore returns the store if epoch still matches the bound identity,
// or nil when the caller's binding has been torn down meanwhile.
func (c *Coordinator) currentStore(epoch uint64) *LocalStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return nil
	}
	return c.store
}

// boundStore returns the store for the currently bound identity.
func (c *Coordinator) boundStore() (*LocalStore, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil, 0, ErrNoIdentity
	}
	return c.store, c.epoch, nil
}

// listenLoop keeps a listener connection open for the lifetime of a binding,
// reconnecting with exponential backoff. Redelivered events are harmless
// because every merge is idempotent.
func (c *Coordinator) listenLoop(ctx context.Context, epoch uint64) {
	topics := []string{calserver.TopicProfile, calserver.TopicPendingState, calserver.TopicMessages}
	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := c.remote.Listen(ctx, topics)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				c.logger.Error("listener unauthenticated, waiting for rebind", "error", err)
				return
			}
			c.logger.Warn("failed to open listener, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.config.BackoffMax)
			continue
		}
		backoff = c.config.BackoffMin

		for ev := range events {
			c.handleEvent(ctx, epoch, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, epoch uint64, ev calserver.ChangeEvent) {
	switch ev.Topic {
	case calserver.TopicPendingState:
		if ev.PendingState != nil {
			c.handlePendingState(ctx, epoch, ev.PendingState)
		}
	case calserver.TopicProfile:
		if ev.Profile != nil {
			c.handleProfile(ctx, epoch, ev.Profile)
		}
	case calserver.TopicMessages:
		if ev.Message != nil {
			c.mergeDocs(ctx, epoch, []calserver.MessageDoc{*ev.Message})
		}
	default:
		c.logger.Warn("unknown listener topic", "topic", ev.Topic)
	}
}

func (c *Coordinator) handleProfile(ctx context.Context, epoch uint64, doc *calserver.ProfileDoc) {
	store := c.currentStore(epoch)
	if store == nil {
		return
	}
	p := &Profile{
		UID:              doc.UID,
		DisplayName:      doc.DisplayName,
		SubscriptionTier: doc.SubscriptionTier,
		UpdatedAt:        doc.UpdatedAt,
	}
	if err := store.UpsertProfile(ctx, p); err != nil {
		c.logger.Error("failed to merge profile", "error", err)
		return
	}
	c.emit(Event{Kind: EventProfileUpdated, Profile: p})
}

// handlePendingState runs one inbound reconciliation pass: merge every
// processed document, then acknowledge exactly the ids merged in this pass.
// A failed ack is safe - the next delivery re-merges idempotently and
// re-attempts the removal. Every pass works from the delivered document
// alone, so a redelivered or reordered event needs no tracked state.
func (c *Coordinator) handlePendingState(ctx context.Context, epoch uint64, ps *calserver.PendingStateDoc) {
	if c.currentStore(epoch) == nil {
		return
	}

	processed := dedupe(ps.ProcessedMessageIDs)
	if len(processed) == 0 {
		return
	}

	docs, err := c.remote.MessagesByIDs(ctx, processed)
	if err != nil {
		c.logger.Warn("failed to fetch processed messages", "error", err, "count", len(processed))
		return
	}

	merged := c.mergeDocs(ctx, epoch, docs)
	if len(merged) == 0 {
		return
	}
	if err := c.remote.AckProcessed(ctx, merged); err != nil {
		// Next listener delivery re-merges and re-acks.
		c.logger.Warn("failed to ack processed messages", "error", err, "count", len(merged))
	}
}

// mergeDocs idempotently upserts the given documents (and their food line
// items, fetched in batches) into the local cache. It returns the ids that
// were durably merged; documents that look not-yet-populated are skipped and
// left unacknowledged so a later delivery retries them.
func (c *Coordinator) mergeDocs(ctx context.Context, epoch uint64, docs []calserver.MessageDoc) []string {
	var foodIDs []string
	for i := range docs {
		if docs[i].FoodLog != nil || docs[i].FavoriteFood != nil {
			foodIDs = append(foodIDs, docs[i].ID)
		}
	}
	foods, err := c.fetchFoods(ctx, foodIDs)
	if err != nil {
		c.logger.Warn("failed to fetch food line items", "error", err)
		return nil
	}

	var merged []string
	for i := range docs {
		doc := &docs[i]
		if doc.ID == "" || doc.ProcessingState == "" {
			// Eventual-consistency window: the server-side write is still
			// propagating. Skip, the next delivery carries the full document.
			c.logger.Warn("skipping unpopulated message document", "id", doc.ID)
			continue
		}
		store := c.currentStore(epoch)
		if store == nil {
			return nil
		}
		if err := store.UpsertMessage(ctx, recordFromDoc(doc, foods)); err != nil {
			c.logger.Error("failed to merge message", "error", err, "id", doc.ID)
			continue
		}
		merged = append(merged, doc.ID)
		c.emit(Event{Kind: EventMessageUpserted, MessageID: doc.ID})
	}
	return merged
}

func (c *Coordinator) fetchFoods(ctx context.Context, messageIDs []string) ([]calserver.FoodDoc, error) {
	var foods []calserver.FoodDoc
	for start := 0; start < len(messageIDs); start += foodBatchLimit {
		end := min(start+foodBatchLimit, len(messageIDs))
		batch, err := c.remote.FoodsForMessages(ctx, messageIDs[start:end])
		if err != nil {
			return nil, err
		}
		foods = append(foods, batch...)
	}
	return foods, nil
}

// Send persists the message locally with state saved, runs the asset pipeline
// when a local image is attached, submits to the backend, and applies the
// state the response status implies. Steps are strictly ordered per message;
// different messages may run through Send concurrently.
func (c *Coordinator) Send(ctx context.Context, msg *Message, localAssetPath string) error {
	store, _, err := c.boundStore()
	if err != nil {
		return err
	}
	identity := store.Identity()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.ProcessingState = calserver.StateSaved
	if msg.Classification == "" {
		msg.Classification = calserver.ClassificationNone
	}

	if err := store.UpsertMessage(ctx, &MessageRecord{Message: *msg}); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	c.emit(Event{Kind: EventMessageUpserted, MessageID: msg.ID})

	var imgRef *calserver.ImageRef
	if localAssetPath != "" {
		img := &Asset{
			LocalPath:   localAssetPath,
			RemotePath:  fmt.Sprintf("uploads/%s/%s", identity, msg.ID),
			UploadState: calserver.AssetUploading,
		}
		if err := store.SetMessageImage(ctx, msg.ID, img); err != nil {
			return err
		}

		if err := c.assets.Upload(ctx, img.LocalPath, img.RemotePath); err != nil {
			c.failAsset(ctx, store, msg.ID, img)
			return fmt.Errorf("asset upload failed: %w", err)
		}
		url, err := c.assets.ResolveDownloadURL(ctx, img.RemotePath)
		if err != nil {
			c.failAsset(ctx, store, msg.ID, img)
			return fmt.Errorf("failed to resolve download url: %w", err)
		}
		img.DownloadURL = url
		img.UploadState = calserver.AssetUploaded
		if err := store.SetMessageImage(ctx, msg.ID, img); err != nil {
			return err
		}
		msg.Image = img
		imgRef = &calserver.ImageRef{
			LocalPath:   img.LocalPath,
			RemotePath:  img.RemotePath,
			DownloadURL: img.DownloadURL,
			State:       img.UploadState,
		}
	}

	status, err := c.remote.SubmitMessage(ctx, &calserver.NewMessageRequest{
		ID:                  msg.ID,
		Text:                msg.Text,
		MealHint:            msg.MealHint,
		ReplyingToMessageID: msg.ReplyingToMessageID,
		Image:               imgRef,
	})
	if err != nil {
		// Transport failure: the message stays locally queued for an explicit
		// retry; nothing uploaded is rolled back.
		c.setStateLogged(ctx, store, msg.ID, calserver.StateSendingFailed)
		return fmt.Errorf("submit failed: %w", err)
	}

	if state, changed := StateForSubmitStatus(status); changed {
		c.setStateLogged(ctx, store, msg.ID, state)
	}
	return nil
}

// failAsset marks the asset and message as failed. The send attempt is over;
// the caller decides whether to retry.
func (c *Coordinator) failAsset(ctx context.Context, store *LocalStore, msgID string, img *Asset) {
	img.UploadState = calserver.AssetUploadFailed
	if err := store.SetMessageImage(ctx, msgID, img); err != nil {
		c.logger.Error("failed to record asset failure", "error", err, "id", msgID)
	}
	c.setStateLogged(ctx, store, msgID, calserver.StateSendingFailed)
}

func (c *Coordinator) setStateLogged(ctx context.Context, store *LocalStore, msgID string, state calserver.ProcessingState) {
	if err := store.SetMessageState(ctx, msgID, state); err != nil {
		c.logger.Error("failed to set message state", "error", err, "id", msgID, "state", state)
		return
	}
	c.emit(Event{Kind: EventMessageUpserted, MessageID: msgID})
}

// LoadLatestHistory backfills remote messages with updated_at at or after the
// persisted watermark and merges them oldest first. The watermark advances to
// the newest fully merged timestamp only after those merges succeeded, so a
// partial failure never skips messages on the next backfill.
func (c *Coordinator) LoadLatestHistory(ctx context.Context) error {
	store, epoch, err := c.boundStore()
	if err != nil {
		return err
	}

	watermark, err := store.Watermark(ctx)
	if err != nil {
		return err
	}

	docs, err := c.remote.MessagesSince(ctx, watermark)
	if err != nil {
		return fmt.Errorf("history fetch failed: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.Before(docs[j].UpdatedAt) })

	var newest time.Time
	var mergeErr error
	for i := range docs {
		merged := c.mergeDocs(ctx, epoch, docs[i:i+1])
		if len(merged) == 0 {
			mergeErr = fmt.Errorf("backfill merge stopped at message %s", docs[i].ID)
			break
		}
		if docs[i].UpdatedAt.After(newest) {
			newest = docs[i].UpdatedAt
		}
	}

	if !newest.IsZero() {
		if err := store.AdvanceWatermark(ctx, newest); err != nil {
			return err
		}
	}
	return mergeErr
}

// FavoriteFoodLog deep-clones the food-log entry (and its line items) into a
// new favorite entry with fresh ids, decoupled from the original message.
func (c *Coordinator) FavoriteFoodLog(ctx context.Context, entryID string) (string, error) {
	store, _, err := c.boundStore()
	if err != nil {
		return "", err
	}
	return store.CloneEntryAsFavorite(ctx, entryID, uuid.NewString)
}

// Store exposes the bound identity's local store for read-only UI queries
// (history, ranges, latest-of-type). Returns ErrNoIdentity when unbound.
func (c *Coordinator) Store() (*LocalStore, error) {
	store, _, err := c.boundStore()
	return store, err
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
