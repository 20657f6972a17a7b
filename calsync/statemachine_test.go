// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

func TestStateForSubmitStatus(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		state   calserver.ProcessingState
		changed bool
	}{
		{"accepted", 200, "", false},
		{"subscription expired", 402, calserver.StateSubscriptionExpired, true},
		{"trial message limit", 432, calserver.StateDailyOnTrialMessageRateLimitExceeded, true},
		{"trial image limit", 433, calserver.StateDailyOnTrialImageRateLimitExceeded, true},
		{"subscribed message limit", 434, calserver.StateDailySubscribedMessageRateLimitExceeded, true},
		{"server error", 500, calserver.StateSendingFailed, true},
		{"bad request", 400, calserver.StateSendingFailed, true},
		{"unknown code", 999, calserver.StateSendingFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, changed := StateForSubmitStatus(tt.code)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.state, state)
		})
	}
}
