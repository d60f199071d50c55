package delivery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const DLQType = "subscription.dead_lettered"

type DeadLetter struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`    // "subscription.dead_lettered"
	Version        string          `json:"version"` // schema version
	At             string          `json:"at"`      // RFC3339 time the subscription was dead-lettered
	Reason         string          `json:"reason"`  // human/debug text
	Attempts       int             `json:"attempts"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	URL            string          `json:"url"`
	EventName      string          `json:"event_name,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"` // last undelivered payload
}

func NewDeadLetter(req Request, attempts int, f RetriableFailure, reason string) DeadLetter {
	return DeadLetter{
		ID:             uuid.NewString(),
		Type:           DLQType,
		Version:        "v1",
		At:             time.Now().UTC().Format(time.RFC3339Nano),
		Reason:         reason,
		Attempts:       attempts,
		HTTPStatus:     f.StatusCode,
		LastError:      f.Error(),
		SubscriptionID: req.SubscriptionID,
		TenantID:       req.TenantID,
		URL:            req.URL,
		EventName:      req.EventName,
		Payload:        req.Payload,
	}
}
