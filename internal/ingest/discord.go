package ingest

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// DiscordSource listens to a set of Discord channels and exposes their
// messages as an ordered queue. It also serves as the Replier for feedback.
type DiscordSource struct {
	session  *discordgo.Session
	channels map[string]bool
	queue    chan Message
	log      *logrus.Entry
}

// NewDiscordSource builds a source for the given bot token. Only messages
// from the listed channel IDs are queued; an empty list accepts every
// channel the bot can read.
func NewDiscordSource(token string, channelIDs []string, log *logrus.Entry) (*DiscordSource, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	channels := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		channels[id] = true
	}

	return &DiscordSource{
		session:  session,
		channels: channels,
		queue:    make(chan Message, 256),
		log:      log,
	}, nil
}

// Open connects to the gateway and starts queueing messages.
func (d *DiscordSource) Open() error {
	d.session.AddHandler(d.onMessageCreate)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	d.log.Info("discord session open")
	return nil
}

// Close disconnects from the gateway and closes the queue.
func (d *DiscordSource) Close() error {
	err := d.session.Close()
	close(d.queue)
	return err
}

// Messages is the ordered stream of channel messages.
func (d *DiscordSource) Messages() <-chan Message {
	return d.queue
}

// Reply posts text back into a channel.
func (d *DiscordSource) Reply(channelID, text string) error {
	_, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("failed to send discord reply: %w", err)
	}
	return nil
}

func (d *DiscordSource) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	if len(d.channels) > 0 && !d.channels[m.ChannelID] {
		return
	}

	msg := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    m.Author.Username,
		Content:   m.Content,
		Time:      m.Timestamp,
	}

	select {
	case d.queue <- msg:
	default:
		d.log.WithField("channel_id", m.ChannelID).Warn("message queue full, dropping message")
	}
}
