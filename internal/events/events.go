// Package events defines the facts exchanged between shortener services.
package events

import (
	"time"

	"github.com/bytedance/sonic"
)

const (
	TopicURLCreated = "url.created"
	TopicURLClicked = "url.clicked"

	AggregateShortURL = "short_url"
)

// URLCreated is published once per committed Link.
type URLCreated struct {
	EventID     string    `json:"event_id"`
	Code        string    `json:"code"`
	OriginalURL string    `json:"original_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// URLClicked is published once per redirect. Redelivery repeats the EventID.
type URLClicked struct {
	EventID     string    `json:"event_id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	ClickedAt   time.Time `json:"clicked_at"`
}

func Encode(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

func Decode(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}
