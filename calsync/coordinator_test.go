// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

type fakeRemote struct {
	mu           sync.Mutex
	submitStatus int
	submitErr    error
	submitted    []calserver.NewMessageRequest
	docs         map[string]calserver.MessageDoc
	since        []calserver.MessageDoc
	foods        map[string][]calserver.FoodDoc
	acked        [][]string
	listenCalls  int
	listeners    []chan calserver.ChangeEvent
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		submitStatus: 200,
		docs:         make(map[string]calserver.MessageDoc),
		foods:        make(map[string][]calserver.FoodDoc),
	}
}

func (f *fakeRemote) SubmitMessage(ctx context.Context, req *calserver.NewMessageRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.submitted = append(f.submitted, *req)
	return f.submitStatus, nil
}

func (f *fakeRemote) MessagesSince(ctx context.Context, since time.Time) ([]calserver.MessageDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calserver.MessageDoc
	for _, d := range f.since {
		if !d.UpdatedAt.Before(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRemote) MessagesByIDs(ctx context.Context, ids []string) ([]calserver.MessageDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calserver.MessageDoc
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRemote) FoodsForMessages(ctx context.Context, messageIDs []string) ([]calserver.FoodDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calserver.FoodDoc
	for _, id := range messageIDs {
		out = append(out, f.foods[id]...)
	}
	return out, nil
}

func (f *fakeRemote) AckProcessed(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, append([]string(nil), ids...))
	return nil
}

func (f *fakeRemote) GetProfile(ctx context.Context) (*calserver.ProfileDoc, error) {
	return &calserver.ProfileDoc{UID: "user-1", SubscriptionTier: calserver.TierTrial}, nil
}

func (f *fakeRemote) Listen(ctx context.Context, topics []string) (<-chan calserver.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenCalls++
	ch := make(chan calserver.ChangeEvent)
	f.listeners = append(f.listeners, ch)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeRemote) listener(i int) chan calserver.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

func (f *fakeRemote) ackedSets() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.acked...)
}

func (f *fakeRemote) submittedReqs() []calserver.NewMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calserver.NewMessageRequest(nil), f.submitted...)
}

type fakeAssets struct {
	mu        sync.Mutex
	uploadErr error
	uploads   []string
}

func (f *fakeAssets) Upload(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *fakeAssets) ResolveDownloadURL(ctx context.Context, remotePath string) (string, error) {
	return "https://cdn.example.com/" + remotePath, nil
}

func newTestCoordinator(t *testing.T, remote *fakeRemote, assets *fakeAssets) *Coordinator {
	t.Helper()
	if assets == nil {
		assets = &fakeAssets{}
	}
	c := NewCoordinator(remote, assets, DefaultConfig(":memory:"), nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func completedMealDoc(id string, at time.Time) calserver.MessageDoc {
	return calserver.MessageDoc{
		SchemaVersion:   calserver.MessageDocSchemaVersion,
		ID:              id,
		UID:             "user-1",
		ProcessingState: calserver.StateCompleted,
		Classification:  calserver.ClassificationFoodEaten,
		Text:            "oatmeal",
		FoodLog: &calserver.FoodLogDoc{
			ID: "entry-" + id, Title: "breakfast", Calories: 250, Fat: 9, Carbs: 30, Protein: 12, LoggedAt: at,
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestSendWithoutIdentity(t *testing.T) {
	c := newTestCoordinator(t, newFakeRemote(), nil)
	err := c.Send(context.Background(), &Message{Text: "hi"}, "")
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSendTextMessage(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	msg := &Message{Text: "ate a salad for lunch"}
	require.NoError(t, c.Send(ctx, msg, ""))
	require.NotEmpty(t, msg.ID)

	store, err := c.Store()
	require.NoError(t, err)
	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	// A 200 leaves the message in saved; completion arrives via the listener.
	require.Equal(t, calserver.StateSaved, stored.ProcessingState)

	reqs := remote.submittedReqs()
	require.Len(t, reqs, 1)
	require.Equal(t, msg.ID, reqs[0].ID)
	require.Equal(t, "ate a salad for lunch", reqs[0].Text)
	require.Nil(t, reqs[0].Image)
}

func TestSendAppliesStatusState(t *testing.T) {
	tests := []struct {
		name   string
		status int
		state  calserver.ProcessingState
	}{
		{"subscription expired", 402, calserver.StateSubscriptionExpired},
		{"trial message limit", 432, calserver.StateDailyOnTrialMessageRateLimitExceeded},
		{"trial image limit", 433, calserver.StateDailyOnTrialImageRateLimitExceeded},
		{"subscribed message limit", 434, calserver.StateDailySubscribedMessageRateLimitExceeded},
		{"server error", 500, calserver.StateSendingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote()
			remote.submitStatus = tt.status
			c := newTestCoordinator(t, remote, nil)
			ctx := context.Background()
			require.NoError(t, c.BindIdentity(ctx, "alice"))

			msg := &Message{Text: "hello"}
			require.NoError(t, c.Send(ctx, msg, ""))

			store, err := c.Store()
			require.NoError(t, err)
			stored, err := store.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			require.Equal(t, tt.state, stored.ProcessingState)
		})
	}
}

func TestSendUploadFailureAbortsSubmission(t *testing.T) {
	remote := newFakeRemote()
	assets := &fakeAssets{uploadErr: errors.New("bucket unreachable")}
	c := newTestCoordinator(t, remote, assets)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	msg := &Message{Text: "photo of dinner"}
	err := c.Send(ctx, msg, "/tmp/dinner.jpg")
	require.Error(t, err)

	// Nothing reached the backend and both the asset and the message carry
	// failure states.
	require.Empty(t, remote.submittedReqs())
	store, serr := c.Store()
	require.NoError(t, serr)
	stored, gerr := store.GetMessage(ctx, msg.ID)
	require.NoError(t, gerr)
	require.Equal(t, calserver.StateSendingFailed, stored.ProcessingState)
	require.NotNil(t, stored.Image)
	require.Equal(t, calserver.AssetUploadFailed, stored.Image.UploadState)
}

func TestSendUploadSuccessAttachesImageRef(t *testing.T) {
	remote := newFakeRemote()
	assets := &fakeAssets{}
	c := newTestCoordinator(t, remote, assets)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	msg := &Message{Text: "photo of dinner"}
	require.NoError(t, c.Send(ctx, msg, "/tmp/dinner.jpg"))

	reqs := remote.submittedReqs()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Image)
	require.Equal(t, calserver.AssetUploaded, reqs[0].Image.State)
	require.Equal(t, "uploads/alice/"+msg.ID, reqs[0].Image.RemotePath)
	require.Equal(t, "https://cdn.example.com/uploads/alice/"+msg.ID, reqs[0].Image.DownloadURL)
}

func TestSendTransportFailureMarksSendingFailed(t *testing.T) {
	remote := newFakeRemote()
	remote.submitErr = errors.New("connection refused")
	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	msg := &Message{Text: "hello"}
	require.Error(t, c.Send(ctx, msg, ""))

	store, err := c.Store()
	require.NoError(t, err)
	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, calserver.StateSendingFailed, stored.ProcessingState)
}

func TestPendingStateReconciliation(t *testing.T) {
	remote := newFakeRemote()
	at := time.UnixMilli(1_700_000_000_000).UTC()
	doc := completedMealDoc("m1", at)
	remote.docs["m1"] = doc
	remote.foods["m1"] = []calserver.FoodDoc{
		{ID: "f1", EntryID: doc.FoodLog.ID, MessageID: "m1", Name: "oatmeal", Amount: 1, Calories: 250, Fat: 9, Carbs: 30, Protein: 12},
	}

	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))
	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.listeners) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The server pushes the pending-state document over the listener stream;
	// m1 appears twice to prove the client dedupes before fetching.
	remote.listener(0) <- calserver.ChangeEvent{
		Topic: calserver.TopicPendingState,
		PendingState: &calserver.PendingStateDoc{
			UID: "alice", ID: "alice",
			PendingMessageIDs:   []string{"m2"},
			ProcessedMessageIDs: []string{"m1", "m1"},
		},
	}

	store, err := c.Store()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := store.GetMessage(ctx, "m1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	entry, foods, err := store.GetFoodLog(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, doc.FoodLog.ID, entry.ID)
	require.Len(t, foods, 1)

	require.Eventually(t, func() bool { return len(remote.ackedSets()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"m1"}, remote.ackedSets()[0])
}

func TestUnpopulatedDocIsNotAcked(t *testing.T) {
	remote := newFakeRemote()
	// The document row exists but the pipeline's write has not landed yet.
	remote.docs["m1"] = calserver.MessageDoc{ID: "m1"}

	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	_, epoch, err := c.boundStore()
	require.NoError(t, err)
	c.handlePendingState(ctx, epoch, &calserver.PendingStateDoc{
		UID: "alice", ID: "alice", ProcessedMessageIDs: []string{"m1"},
	})

	require.Empty(t, remote.ackedSets())
	store, err := c.Store()
	require.NoError(t, err)
	_, err = store.GetMessage(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRebindDropsStaleEvents(t *testing.T) {
	remote := newFakeRemote()
	at := time.UnixMilli(1_700_000_000_000).UTC()
	remote.docs["m1"] = completedMealDoc("m1", at)

	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))
	_, aliceEpoch, err := c.boundStore()
	require.NoError(t, err)

	require.NoError(t, c.BindIdentity(ctx, "bob"))

	// A reconciliation pass still running for alice must not touch bob's cache.
	c.handlePendingState(ctx, aliceEpoch, &calserver.PendingStateDoc{
		UID: "alice", ID: "alice", ProcessedMessageIDs: []string{"m1"},
	})

	store, err := c.Store()
	require.NoError(t, err)
	_, err = store.GetMessage(ctx, "m1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, remote.ackedSets())
}

func TestBindSameIdentityIsNoop(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()

	require.NoError(t, c.BindIdentity(ctx, "alice"))
	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.listenCalls == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Re-binding the same identity must not spawn a second listener.
	require.NoError(t, c.BindIdentity(ctx, "alice"))
	time.Sleep(50 * time.Millisecond)
	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Equal(t, 1, remote.listenCalls)
}

func TestLoadLatestHistoryAdvancesWatermark(t *testing.T) {
	remote := newFakeRemote()
	t1 := time.UnixMilli(1_700_000_000_000).UTC()
	t2 := t1.Add(time.Hour)
	remote.since = []calserver.MessageDoc{completedMealDoc("m2", t2), completedMealDoc("m1", t1)}
	remote.docs["m1"] = remote.since[1]
	remote.docs["m2"] = remote.since[0]

	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	require.NoError(t, c.LoadLatestHistory(ctx))

	store, err := c.Store()
	require.NoError(t, err)
	history, err := store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Merged oldest first regardless of fetch order.
	require.Equal(t, "m1", history[0].ID)

	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, t2, wm)
}

func TestLoadLatestHistoryPartialFailureHoldsWatermark(t *testing.T) {
	remote := newFakeRemote()
	t1 := time.UnixMilli(1_700_000_000_000).UTC()
	t2 := t1.Add(time.Hour)
	// The newer document has not been fully written server-side yet.
	remote.since = []calserver.MessageDoc{
		completedMealDoc("m1", t1),
		{ID: "m2", UpdatedAt: t2},
	}

	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	require.Error(t, c.LoadLatestHistory(ctx))

	// The watermark covers m1 but not m2, so the next backfill retries m2.
	store, err := c.Store()
	require.NoError(t, err)
	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, t1, wm)
	_, err = store.GetMessage(ctx, "m2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFavoriteFoodLog(t *testing.T) {
	remote := newFakeRemote()
	c := newTestCoordinator(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, c.BindIdentity(ctx, "alice"))

	store, err := c.Store()
	require.NoError(t, err)
	at := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, store.UpsertMessage(ctx, mealRecord("m1", at)))

	cloneID, err := c.FavoriteFoodLog(ctx, "entry-m1")
	require.NoError(t, err)
	require.NotEmpty(t, cloneID)
	require.NotEqual(t, "entry-m1", cloneID)
}

func TestEventsAreDroppedOldestFirst(t *testing.T) {
	c := NewCoordinator(newFakeRemote(), &fakeAssets{}, &Config{DataDir: ":memory:", EventBuffer: 2}, nil)
	t.Cleanup(func() { _ = c.Close() })

	c.emit(Event{Kind: EventMessageUpserted, MessageID: "m1"})
	c.emit(Event{Kind: EventMessageUpserted, MessageID: "m2"})
	c.emit(Event{Kind: EventMessageUpserted, MessageID: "m3"})

	ev := <-c.Events()
	require.Equal(t, "m2", ev.MessageID)
	ev = <-c.Events()
	require.Equal(t, "m3", ev.MessageID)
}
