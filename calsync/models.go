// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"time"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

// Message is the locally cached message row. Sub-records live in their own
// tables keyed by MessageID; they are never nested inside the message row.
type Message struct {
	ID                  string
	FromSystem          bool
	Text                string
	ProcessingState     calserver.ProcessingState
	Classification      calserver.Classification
	MealHint            string
	ReplyingToMessageID string
	Image               *Asset
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DateDeleted         *time.Time
}

// Asset is an image attachment owned by exactly one message.
type Asset struct {
	LocalPath   string
	RemotePath  string
	DownloadURL string
	UploadState calserver.AssetUploadState
}

// FoodLogEntry is a food-log sub-record. Favorite entries are regular rows
// with Favorite set, created by deep-cloning another entry and its foods
// under fresh ids.
type FoodLogEntry struct {
	ID          string
	MessageID   string
	Title       string
	Calories    float64
	Fat         float64
	Carbs       float64
	Protein     float64
	Favorite    bool
	LoggedAt    time.Time
	DateDeleted *time.Time
}

// FoodLogFood is a line item owned by exactly one food-log entry. MessageID
// is denormalized so line items can be fetched by message id in batches.
type FoodLogFood struct {
	ID          string
	EntryID     string
	MessageID   string
	Name        string
	Amount      float64
	Portion     string
	Calories    float64
	Fat         float64
	Carbs       float64
	Protein     float64
	DateDeleted *time.Time
}

// ActivityLog is an activity sub-record.
type ActivityLog struct {
	ID             string
	MessageID      string
	Name           string
	DurationMin    float64
	CaloriesBurned float64
	LoggedAt       time.Time
	DateDeleted    *time.Time
}

// WeightLog is a weight sub-record.
type WeightLog struct {
	ID          string
	MessageID   string
	WeightKg    float64
	LoggedAt    time.Time
	DateDeleted *time.Time
}

// Profile is the locally cached user profile (single row per identity).
type Profile struct {
	UID              string
	DisplayName      string
	SubscriptionTier string
	UpdatedAt        time.Time
}

// MessageRecord bundles a message with its sub-records for a single
// transactional upsert. Merging the same record twice yields identical store
// state.
type MessageRecord struct {
	Message     Message
	FoodLog     *FoodLogEntry
	Foods       []FoodLogFood
	ActivityLog *ActivityLog
	WeightLog   *WeightLog
}

// EventKind labels a change event republished to the UI layer.
type EventKind string

const (
	EventMessageUpserted EventKind = "message_upserted"
	EventProfileUpdated  EventKind = "profile_updated"
)

// Event is a typed change notification emitted by the coordinator. The
// channel is buffered; when the consumer lags, the oldest event is dropped.
type Event struct {
	Kind      EventKind
	MessageID string
	Profile   *Profile
}

// recordFromDoc flattens a remote message document and its line items into
// local rows. The document's id is the join key everywhere.
func recordFromDoc(doc *calserver.MessageDoc, foods []calserver.FoodDoc) *MessageRecord {
	msg := Message{
		ID:                  doc.ID,
		FromSystem:          doc.FromSystem,
		Text:                doc.Text,
		ProcessingState:     doc.ProcessingState,
		Classification:      doc.Classification,
		MealHint:            doc.MealHint,
		ReplyingToMessageID: doc.ReplyingToMessageID,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		DateDeleted:         doc.DateDeleted,
	}
	if doc.Image != nil {
		msg.Image = &Asset{
			LocalPath:   doc.Image.LocalPath,
			RemotePath:  doc.Image.RemotePath,
			DownloadURL: doc.Image.DownloadURL,
			UploadState: doc.Image.State,
		}
	}

	rec := &MessageRecord{Message: msg}

	entry := doc.FoodLog
	favorite := false
	if entry == nil && doc.FavoriteFood != nil {
		entry = doc.FavoriteFood
		favorite = true
	}
	if entry != nil {
		rec.FoodLog = &FoodLogEntry{
			ID:          entry.ID,
			MessageID:   doc.ID,
			Title:       entry.Title,
			Calories:    entry.Calories,
			Fat:         entry.Fat,
			Carbs:       entry.Carbs,
			Protein:     entry.Protein,
			Favorite:    favorite || entry.Favorite,
			LoggedAt:    entry.LoggedAt,
			DateDeleted: entry.DateDeleted,
		}
		for _, f := range foods {
			if f.MessageID != doc.ID {
				continue
			}
			rec.Foods = append(rec.Foods, FoodLogFood{
				ID:          f.ID,
				EntryID:     f.EntryID,
				MessageID:   f.MessageID,
				Name:        f.Name,
				Amount:      f.Amount,
				Portion:     f.Portion,
				Calories:    f.Calories,
				Fat:         f.Fat,
				Carbs:       f.Carbs,
				Protein:     f.Protein,
				DateDeleted: f.DateDeleted,
			})
		}
	}
	if doc.ActivityLog != nil {
		rec.ActivityLog = &ActivityLog{
			ID:             doc.ActivityLog.ID,
			MessageID:      doc.ID,
			Name:           doc.ActivityLog.Name,
			DurationMin:    doc.ActivityLog.DurationMin,
			CaloriesBurned: doc.ActivityLog.CaloriesBurned,
			LoggedAt:       doc.ActivityLog.LoggedAt,
			DateDeleted:    doc.ActivityLog.DateDeleted,
		}
	}
	if doc.WeightLog != nil {
		rec.WeightLog = &WeightLog{
			ID:          doc.WeightLog.ID,
			MessageID:   doc.ID,
			WeightKg:    doc.WeightLog.WeightKg,
			LoggedAt:    doc.WeightLog.LoggedAt,
			DateDeleted: doc.WeightLog.DateDeleted,
		}
	}
	return rec
}
