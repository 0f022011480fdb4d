package models

import "time"

// AuditEntry records a single request event. It never carries request or
// response bodies.
type AuditEntry struct {
	ID             int64     `json:"id"`
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	AccountID      string    `json:"account_id,omitempty"`
	Operation      string    `json:"operation"`
	Path           string    `json:"path"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ClientIP       string    `json:"client_ip"`
}
