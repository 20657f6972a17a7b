// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import "net/http"

// Limits are the per-day submission quotas.
type Limits struct {
	TrialDailyMessages      int
	TrialDailyImages        int
	SubscribedDailyMessages int
}

// DefaultLimits returns the production quota defaults.
func DefaultLimits() Limits {
	return Limits{
		TrialDailyMessages:      15,
		TrialDailyImages:        5,
		SubscribedDailyMessages: 200,
	}
}

// decideSubmitStatus maps the caller's subscription tier and today's usage to
// the HTTP status the submission endpoint returns. Pure function; counters
// are incremented only on a 200 decision.
func decideSubmitStatus(tier string, messagesToday, imagesToday int, hasImage bool, limits Limits) int {
	switch tier {
	case TierExpired:
		return StatusSubscriptionExpired
	case TierSubscribed:
		if messagesToday >= limits.SubscribedDailyMessages {
			return StatusPaidMessageLimitExceeded
		}
	default: // trial
		if hasImage && imagesToday >= limits.TrialDailyImages {
			return StatusTrialImageLimitExceeded
		}
		if messagesToday >= limits.TrialDailyMessages {
			return StatusTrialMessageLimitExceeded
		}
	}
	return http.StatusOK
}
