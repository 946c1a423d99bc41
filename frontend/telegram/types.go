package telegram

// Wire shapes for the slice of the Bot API this frontend consumes.
// Only the fields mapToIncoming reads are declared; the rest of each
// update is discarded during decode.

// Update is one long-poll result from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an inbound or just-sent chat message.
type Message struct {
	MessageID      int64    `json:"message_id"`
	Chat           Chat     `json:"chat"`
	From           *User    `json:"from,omitempty"`
	Text           string   `json:"text,omitempty"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}
