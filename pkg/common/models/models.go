package models

import "time"

// Event bus envelope shared by every producer.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // user.registered, claim.completed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
