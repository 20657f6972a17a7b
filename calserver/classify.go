// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Classify derives the semantic category of a message from its text and meal
// hint. Deterministic keyword matching; a meal hint always wins because the
// client only sets it on food entries.
func Classify(text, mealHint string) Classification {
	if mealHint != "" {
		return ClassificationFoodEaten
	}
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "favorite", "favourite"):
		return ClassificationFavoriteFood
	case containsAny(lower, "weigh", "weight", " kg", " lbs", "scale"):
		return ClassificationWeight
	case containsAny(lower, "ran ", "run ", "walk", "gym", "workout", "exercise", "cycling", "swim"):
		return ClassificationActivity
	case containsAny(lower, "ate", "eat", "breakfast", "lunch", "dinner", "snack", "meal", "food"):
		return ClassificationFoodEaten
	}
	return ClassificationNone
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// analyzeMessage fills the sub-record matching the classification into a copy
// of the submitted document and returns the food line items, if any. This is
// the stand-in for the real nutrition-analysis model: estimates are
// deterministic so reprocessing a message yields the same result.
func analyzeMessage(doc *MessageDoc, now time.Time) []FoodDoc {
	doc.Classification = Classify(doc.Text, doc.MealHint)
	switch doc.Classification {
	case ClassificationFoodEaten, ClassificationFavoriteFood:
		entry := &FoodLogDoc{
			ID:       uuid.NewString(),
			Title:    entryTitle(doc),
			LoggedAt: now,
		}
		foods := estimateFoods(doc, entry.ID)
		for i := range foods {
			entry.Calories += foods[i].Calories
			entry.Fat += foods[i].Fat
			entry.Carbs += foods[i].Carbs
			entry.Protein += foods[i].Protein
		}
		if doc.Classification == ClassificationFavoriteFood {
			entry.Favorite = true
			doc.FavoriteFood = entry
		} else {
			doc.FoodLog = entry
		}
		return foods
	case ClassificationActivity:
		doc.ActivityLog = &ActivityLogDoc{
			ID:             uuid.NewString(),
			Name:           firstWords(doc.Text, 4),
			DurationMin:    30,
			CaloriesBurned: 180,
			LoggedAt:       now,
		}
	case ClassificationWeight:
		doc.WeightLog = &WeightLogDoc{
			ID:       uuid.NewString(),
			WeightKg: extractWeightKg(doc.Text),
			LoggedAt: now,
		}
	}
	return nil
}

func entryTitle(doc *MessageDoc) string {
	if doc.MealHint != "" {
		return doc.MealHint
	}
	return firstWords(doc.Text, 6)
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// estimateFoods produces one line item per comma-separated clause in the
// message text, with fixed per-item macro estimates. An image-only message
// still yields a single line item.
func estimateFoods(doc *MessageDoc, entryID string) []FoodDoc {
	parts := strings.Split(doc.Text, ",")
	var foods []FoodDoc
	for _, part := range parts {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		foods = append(foods, FoodDoc{
			ID:        uuid.NewString(),
			EntryID:   entryID,
			MessageID: doc.ID,
			Name:      firstWords(name, 6),
			Amount:    1,
			Portion:   "serving",
			Calories:  250,
			Fat:       9,
			Carbs:     30,
			Protein:   12,
		})
	}
	if len(foods) == 0 && doc.Image != nil {
		foods = append(foods, FoodDoc{
			ID:        uuid.NewString(),
			EntryID:   entryID,
			MessageID: doc.ID,
			Name:      "photo meal",
			Amount:    1,
			Portion:   "serving",
			Calories:  400,
			Fat:       15,
			Carbs:     45,
			Protein:   20,
		})
	}
	return foods
}

// extractWeightKg pulls the first number out of the text; pounds are
// converted when the text mentions them.
func extractWeightKg(text string) float64 {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v <= 0 {
			continue
		}
		if containsAny(strings.ToLower(text), "lb", "pound") {
			v *= 0.453592
		}
		return v
	}
	return 0
}
