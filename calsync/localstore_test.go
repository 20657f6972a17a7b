// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(context.Background(), ":memory:", "user-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mealRecord(id string, at time.Time) *MessageRecord {
	return &MessageRecord{
		Message: Message{
			ID:              id,
			Text:            "oatmeal with banana",
			ProcessingState: calserver.StateCompleted,
			Classification:  calserver.ClassificationFoodEaten,
			CreatedAt:       at,
			UpdatedAt:       at,
		},
		FoodLog: &FoodLogEntry{
			ID:        "entry-" + id,
			MessageID: id,
			Title:     "breakfast",
			Calories:  500,
			Fat:       18,
			Carbs:     60,
			Protein:   24,
			LoggedAt:  at,
		},
		Foods: []FoodLogFood{
			{ID: "food-" + id + "-1", EntryID: "entry-" + id, MessageID: id, Name: "oatmeal", Amount: 1, Portion: "bowl", Calories: 250, Fat: 9, Carbs: 30, Protein: 12},
			{ID: "food-" + id + "-2", EntryID: "entry-" + id, MessageID: id, Name: "banana", Amount: 1, Portion: "piece", Calories: 250, Fat: 9, Carbs: 30, Protein: 12},
		},
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	rec := mealRecord("m1", at)
	require.NoError(t, store.UpsertMessage(ctx, rec))
	require.NoError(t, store.UpsertMessage(ctx, rec))

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "oatmeal with banana", msg.Text)
	require.Equal(t, calserver.StateCompleted, msg.ProcessingState)
	require.Equal(t, at, msg.CreatedAt)

	entry, foods, err := store.GetFoodLog(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "entry-m1", entry.ID)
	require.Len(t, foods, 2, "replaying the merge must not duplicate line items")
}

func TestUpsertMessageReplacesSubRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.UpsertMessage(ctx, mealRecord("m1", at)))

	// A re-analysis ships a different set of line items under the same entry.
	rec := mealRecord("m1", at.Add(time.Minute))
	rec.Foods = rec.Foods[:1]
	require.NoError(t, store.UpsertMessage(ctx, rec))

	_, foods, err := store.GetFoodLog(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, foods, 1)
}

func TestFavoriteCloneSurvivesRemerge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	rec := mealRecord("m1", at)
	require.NoError(t, store.UpsertMessage(ctx, rec))

	next := 0
	cloneID, err := store.CloneEntryAsFavorite(ctx, "entry-m1", func() string {
		next++
		return fmt.Sprintf("fav-%d", next)
	})
	require.NoError(t, err)
	require.Equal(t, "fav-1", cloneID)

	// Merging the same remote record again replaces the message-owned
	// sub-records but must leave the clone untouched.
	require.NoError(t, store.UpsertMessage(ctx, rec))

	foods, err := store.foodsForEntry(ctx, cloneID)
	require.NoError(t, err)
	require.Len(t, foods, 2)
	for _, f := range foods {
		require.Empty(t, f.MessageID)
		require.NotEqual(t, "food-m1-1", f.ID)
		require.NotEqual(t, "food-m1-2", f.ID)
	}
}

func TestCloneEntryAsFavoriteNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.CloneEntryAsFavorite(context.Background(), "missing", func() string { return "x" })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetMessageState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.UpsertMessage(ctx, &MessageRecord{Message: Message{
		ID: "m1", Text: "hello", ProcessingState: calserver.StateSaved,
		Classification: calserver.ClassificationNone, CreatedAt: at, UpdatedAt: at,
	}}))

	require.NoError(t, store.SetMessageState(ctx, "m1", calserver.StateSendingFailed))
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, calserver.StateSendingFailed, msg.ProcessingState)

	require.ErrorIs(t, store.SetMessageState(ctx, "missing", calserver.StateSaved), ErrNotFound)
}

func TestDeleteMessageIsSoft(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.UpsertMessage(ctx, mealRecord("m1", at)))
	require.NoError(t, store.DeleteMessage(ctx, "m1"))

	// The row is kept but flagged; deleting again is a no-op error.
	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, msg.DateDeleted)
	require.ErrorIs(t, store.DeleteMessage(ctx, "m1"), ErrNotFound)

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestMergeNeverResurrectsDeletedMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	rec := mealRecord("m1", at)
	require.NoError(t, store.UpsertMessage(ctx, rec))
	require.NoError(t, store.DeleteMessage(ctx, "m1"))

	// The listener is at-least-once: the remote document can arrive again
	// after the user deleted the message. The tombstone must win.
	require.NoError(t, store.UpsertMessage(ctx, rec))

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, msg.DateDeleted)

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestHistoryExcludesReplies(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.UpsertMessage(ctx, &MessageRecord{Message: Message{
		ID: "m1", Text: "what did I eat?", ProcessingState: calserver.StateCompleted,
		Classification: calserver.ClassificationNone, CreatedAt: at, UpdatedAt: at,
	}}))
	require.NoError(t, store.UpsertMessage(ctx, &MessageRecord{Message: Message{
		ID: "m2", Text: "you had oatmeal", FromSystem: true,
		ProcessingState: calserver.StateReply, Classification: calserver.ClassificationNone,
		ReplyingToMessageID: "m1", CreatedAt: at.Add(time.Second), UpdatedAt: at.Add(time.Second),
	}}))

	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "m1", history[0].ID)
}

func TestRangeQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, store.UpsertMessage(ctx, mealRecord("m1", day)))
	require.NoError(t, store.UpsertMessage(ctx, mealRecord("m2", day.Add(48*time.Hour))))
	require.NoError(t, store.UpsertMessage(ctx, &MessageRecord{
		Message: Message{
			ID: "m3", Text: "weighed 80 kg", ProcessingState: calserver.StateCompleted,
			Classification: calserver.ClassificationWeight, CreatedAt: day, UpdatedAt: day,
		},
		WeightLog: &WeightLog{ID: "w1", MessageID: "m3", WeightKg: 80, LoggedAt: day},
	}))

	msgs, err := store.MessagesWithLogsInRange(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)

	weights, err := store.WeightLogsInRange(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, weights, 1)
	require.Equal(t, 80.0, weights[0].WeightKg)

	latest, err := store.LatestMessageOfClassification(ctx, calserver.ClassificationFoodEaten)
	require.NoError(t, err)
	require.Equal(t, "m2", latest.ID)

	_, err = store.LatestMessageOfClassification(ctx, calserver.ClassificationActivity)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWatermarkIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, wm.IsZero())

	t1 := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, store.AdvanceWatermark(ctx, t1))

	// An older timestamp never moves the watermark back.
	require.NoError(t, store.AdvanceWatermark(ctx, t1.Add(-time.Hour)))
	wm, err = store.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, t1, wm)

	t2 := t1.Add(time.Hour)
	require.NoError(t, store.AdvanceWatermark(ctx, t2))
	wm, err = store.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, t2, wm)
}

func TestProfileRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetProfile(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	at := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, store.UpsertProfile(ctx, &Profile{
		UID: "user-1", DisplayName: "Sam", SubscriptionTier: calserver.TierTrial, UpdatedAt: at,
	}))

	p, err := store.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, "Sam", p.DisplayName)
	require.Equal(t, calserver.TierTrial, p.SubscriptionTier)
	require.Equal(t, at, p.UpdatedAt)
}
