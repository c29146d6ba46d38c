package model

import "time"

// QueueEntry is one line of the inter-process conversation_queue.jsonl.
type QueueEntry struct {
	ConversationGUID string    `json:"conversation_guid"`
	ConversationText string    `json:"conversation_text"`
	DigestText       string    `json:"digest_text"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

// ProcessingState tracks how far the standalone worker has read the
// inter-process queue.
type ProcessingState struct {
	LastProcessedGUID string `json:"last_processed_guid"`
	ProcessedCount    int    `json:"processed_count"`
}
