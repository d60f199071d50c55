package delivery

import "encoding/json"

// Task is the "deliver this event" message a producer publishes for one subscription.
// The endpoint URL and signing secret are never taken from the message.
type Task struct {
	SubscriptionID string            `json:"subscription_id"`
	TenantID       string            `json:"tenant_id"`
	EventName      string            `json:"event_name"`
	Payload        json.RawMessage   `json:"payload"`
	PublishedAt    string            `json:"published_at,omitempty"`  // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}
