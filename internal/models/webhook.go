package models

// InboundEvent is one chat event delivered to the webhook endpoint.
// The messaging platform may redeliver events, so DeliveryID is used for
// dedup before any session mutation happens.
type InboundEvent struct {
	DeliveryID string                 `json:"delivery_id"`
	UserID     string                 `json:"user_id"`
	Type       string                 `json:"type"` // "message", "follow", "reset"
	Text       string                 `json:"text,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`

	// Set by the chat-flow collaborator when intake is complete and a
	// generation job should be enqueued.
	IntakeReady bool `json:"intake_ready,omitempty"`
	Priority    int  `json:"priority,omitempty"`
}

// WebhookRequest is the envelope posted by the messaging platform
type WebhookRequest struct {
	Events []InboundEvent `json:"events"`
}
