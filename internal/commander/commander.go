// Package commander defines the message source a bot front end polls.
package commander

import "context"

// Commander delivers incoming chat messages and sends replies back to the
// chat they came from.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Update is one incoming event. UpdateID increases monotonically; polling
// with offset = last UpdateID + 1 acknowledges everything before it.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is a text message from a chat. Text is nil for non-text content.
type Message struct {
	Chat Chat    `json:"chat"`
	From *User   `json:"from,omitempty"`
	Text *string `json:"text,omitempty"`
	Date int64   `json:"date"`
}

// Chat identifies a conversation; each chat is its own memory thread.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
}
