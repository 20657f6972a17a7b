// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

// ProcessingState tracks a message through the submission and analysis pipeline.
type ProcessingState string

const (
	StateSaved      ProcessingState = "saved"
	StateQueued     ProcessingState = "queued"
	StateProcessing ProcessingState = "processing"
	StateCompleted  ProcessingState = "completed"
	StateReply      ProcessingState = "reply"
	StateError      ProcessingState = "error"

	StateSendingFailed       ProcessingState = "sendingFailed"
	StateSubscriptionExpired ProcessingState = "subscriptionExpired"

	StateDailyOnTrialImageRateLimitExceeded      ProcessingState = "dailyOnTrialImageRateLimitExceeded"
	StateDailyOnTrialMessageRateLimitExceeded    ProcessingState = "dailyOnTrialMessageRateLimitExceeded"
	StateDailySubscribedMessageRateLimitExceeded ProcessingState = "dailySubscribedMessageRateLimitExceeded"
)

// Classification is the semantic category assigned by backend analysis.
type Classification string

const (
	ClassificationNone         Classification = "none"
	ClassificationFoodEaten    Classification = "foodEaten"
	ClassificationActivity     Classification = "activity"
	ClassificationWeight       Classification = "weight"
	ClassificationFavoriteFood Classification = "favoriteFood"
)

// AssetUploadState tracks an image attachment through its upload pipeline.
type AssetUploadState string

const (
	AssetSaved        AssetUploadState = "saved"
	AssetUploading    AssetUploadState = "uploading"
	AssetUploaded     AssetUploadState = "uploaded"
	AssetUploadFailed AssetUploadState = "uploadFailed"
)

// Subscription tiers stored on the profile document.
const (
	TierTrial      = "trial"
	TierSubscribed = "subscribed"
	TierExpired    = "expired"
)

// HTTP status codes the submission endpoint uses to report billing and
// throttling outcomes. Anything else non-200 is a generic failure.
const (
	StatusSubscriptionExpired       = 402
	StatusTrialMessageLimitExceeded = 432
	StatusTrialImageLimitExceeded   = 433
	StatusPaidMessageLimitExceeded  = 434
)

// Listener topics for the change-event stream.
const (
	TopicPendingState = "pending"
	TopicProfile      = "profile"
	TopicMessages     = "messages"
)

// MessageDocSchemaVersion is the version tag written into every message document.
const MessageDocSchemaVersion = 1
