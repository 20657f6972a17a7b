// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"net/http"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

// StateForSubmitStatus maps the HTTP status code returned by the submission
// endpoint to the message state it implies. It is a pure function evaluated
// once per submission attempt.
//
// A 200 means the server accepted the message and will push processing and
// completed states asynchronously, so the local state stays unchanged and
// changed is false. Every defined non-200 code maps to its terminal state;
// anything else is a generic sending failure.
func StateForSubmitStatus(code int) (state calserver.ProcessingState, changed bool) {
	switch code {
	case http.StatusOK:
		return "", false
	case calserver.StatusSubscriptionExpired:
		return calserver.StateSubscriptionExpired, true
	case calserver.StatusTrialMessageLimitExceeded:
		return calserver.StateDailyOnTrialMessageRateLimitExceeded, true
	case calserver.StatusTrialImageLimitExceeded:
		return calserver.StateDailyOnTrialImageRateLimitExceeded, true
	case calserver.StatusPaidMessageLimitExceeded:
		return calserver.StateDailySubscribedMessageRateLimitExceeded, true
	default:
		return calserver.StateSendingFailed, true
	}
}
