// Package ingest turns chat messages into executed trades.
package ingest

import "time"

// Message is a chat message from a watched channel, decoupled from the
// transport that delivered it.
type Message struct {
	ID        string
	ChannelID string
	Author    string
	Content   string
	Time      time.Time
}

// Replier posts a text response back into a channel.
type Replier interface {
	Reply(channelID, text string) error
}
