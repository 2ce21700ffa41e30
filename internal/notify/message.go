package notify

import "time"

// EmailMessage is the record queued on the outbound email topic.
type EmailMessage struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	QueuedAt time.Time `json:"queued_at"`
}
