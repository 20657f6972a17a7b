// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import "time"

// NewMessageRequest is the body of POST /v1/messages. The id is client
// generated and stays stable across the local cache and the server store.
type NewMessageRequest struct {
	ID                  string    `json:"id"`
	Text                string    `json:"text,omitempty"`
	MealHint            string    `json:"meal_hint,omitempty"`
	ReplyingToMessageID string    `json:"replying_to_message_id,omitempty"`
	Image               *ImageRef `json:"image,omitempty"`
}

// ImageRef describes an image attachment on a message.
type ImageRef struct {
	LocalPath   string           `json:"local_path,omitempty"`
	RemotePath  string           `json:"remote_path,omitempty"`
	DownloadURL string           `json:"download_url,omitempty"`
	State       AssetUploadState `json:"state,omitempty"`
}

// MessageDoc is the message document as stored remotely and shipped to
// clients. At most one of FoodLog/ActivityLog/WeightLog/FavoriteFood is
// populated, consistent with Classification.
type MessageDoc struct {
	SchemaVersion       int             `json:"v"`
	ID                  string          `json:"id"`
	UID                 string          `json:"uid,omitempty"`
	ProcessingState     ProcessingState `json:"processing_state"`
	Classification      Classification  `json:"classification"`
	FromSystem          bool            `json:"from_system,omitempty"`
	Text                string          `json:"text,omitempty"`
	Image               *ImageRef       `json:"image,omitempty"`
	MealHint            string          `json:"meal_hint,omitempty"`
	ReplyingToMessageID string          `json:"replying_to_message_id,omitempty"`
	FoodLog             *FoodLogDoc     `json:"food_log,omitempty"`
	ActivityLog         *ActivityLogDoc `json:"activity_log,omitempty"`
	WeightLog           *WeightLogDoc   `json:"weight_log,omitempty"`
	FavoriteFood        *FoodLogDoc     `json:"favorite_food,omitempty"`
	Replies             []MessageDoc    `json:"replies,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DateDeleted         *time.Time      `json:"date_deleted,omitempty"`
}

// FoodLogDoc is a food-log sub-record. Line items travel separately as
// FoodDoc rows so they can be fetched in bounded batches.
type FoodLogDoc struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Calories    float64    `json:"calories"`
	Fat         float64    `json:"fat"`
	Carbs       float64    `json:"carbs"`
	Protein     float64    `json:"protein"`
	Favorite    bool       `json:"favorite,omitempty"`
	LoggedAt    time.Time  `json:"logged_at"`
	DateDeleted *time.Time `json:"date_deleted,omitempty"`
}

// FoodDoc is a single food line item owned by a food-log entry.
type FoodDoc struct {
	ID          string     `json:"id"`
	EntryID     string     `json:"entry_id"`
	MessageID   string     `json:"message_id"`
	Name        string     `json:"name"`
	Amount      float64    `json:"amount"`
	Portion     string     `json:"portion,omitempty"`
	Calories    float64    `json:"calories"`
	Fat         float64    `json:"fat"`
	Carbs       float64    `json:"carbs"`
	Protein     float64    `json:"protein"`
	DateDeleted *time.Time `json:"date_deleted,omitempty"`
}

// ActivityLogDoc is an activity sub-record.
type ActivityLogDoc struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DurationMin    float64    `json:"duration_min"`
	CaloriesBurned float64    `json:"calories_burned"`
	LoggedAt       time.Time  `json:"logged_at"`
	DateDeleted    *time.Time `json:"date_deleted,omitempty"`
}

// WeightLogDoc is a weight sub-record.
type WeightLogDoc struct {
	ID          string     `json:"id"`
	WeightKg    float64    `json:"weight_kg"`
	LoggedAt    time.Time  `json:"logged_at"`
	DateDeleted *time.Time `json:"date_deleted,omitempty"`
}

// PendingStateDoc is the per-user incremental-sync document. The server is
// the sole writer of additions; clients remove processed ids after a durable
// local merge. An id appears in at most one of the two lists.
type PendingStateDoc struct {
	UID                 string    `json:"uid"`
	ID                  string    `json:"id"`
	PendingMessageIDs   []string  `json:"pending_message_ids"`
	ProcessedMessageIDs []string  `json:"processed_message_ids"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ProfileDoc is the user profile document pushed to clients.
type ProfileDoc struct {
	UID              string    `json:"uid"`
	DisplayName      string    `json:"display_name,omitempty"`
	SubscriptionTier string    `json:"subscription_tier"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ChangeEvent is one event on the listener stream. Exactly one payload field
// is set, matching Topic. Delivery is at-least-once; consumers must merge
// idempotently.
type ChangeEvent struct {
	Topic        string           `json:"topic"`
	PendingState *PendingStateDoc `json:"pending_state,omitempty"`
	Profile      *ProfileDoc      `json:"profile,omitempty"`
	Message      *MessageDoc      `json:"message,omitempty"`
}

// AckRequest is the body of POST /v1/pending/ack. Only the listed ids are
// removed from processed_message_ids; ids appended concurrently survive.
type AckRequest struct {
	ProcessedMessageIDs []string `json:"processed_message_ids"`
}

// ErrorResponse is the JSON error body returned by all handlers.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
