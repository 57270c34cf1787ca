package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ngassam/vendabot/pkg/bus"
	"github.com/ngassam/vendabot/pkg/config"
	"github.com/ngassam/vendabot/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Discord caps messages at 2000 characters; leave headroom for
	// natural split points.
	discordChunkLimit = 1500
)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	config   config.DiscordConfig
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord adapter")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord adapter connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord adapter")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, reply bus.OutboundReply) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord adapter not running")
	}

	channelID := reply.ChatID
	if channelID == "" {
		return fmt.Errorf("chat id is empty")
	}
	defer c.endTyping(channelID)

	if strings.TrimSpace(reply.Content) == "" {
		return nil
	}

	for _, chunk := range splitMessage(reply.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, channelID, chunk); err != nil {
			return err
		}
	}

	return nil
}

// splitMessage splits long replies at natural boundaries, preferring a
// newline near the end of the chunk, then a space, then a hard cut.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastByte(content[:limit], '\n', 200)
		if msgEnd <= 0 {
			msgEnd = findLastByte(content[:limit], ' ', 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// findLastByte finds the last occurrence of b within the trailing
// searchWindow bytes of s, or -1.
func findLastByte(s string, b byte, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}

	if m.Author.ID == s.State.User.ID {
		return
	}

	// Check allowlist before touching attachments.
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id": m.Author.ID,
		})
		return
	}

	senderName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		senderName += "#" + m.Author.Discriminator
	}

	content := m.Content
	mediaRef := ""
	for _, attachment := range m.Attachments {
		if mediaRef == "" {
			mediaRef = attachment.URL
		}
		marker := fmt.Sprintf("[attachment: %s]", attachment.Filename)
		if content == "" {
			content = marker
		} else {
			content += "\n" + marker
		}
	}

	if content == "" && mediaRef == "" {
		return
	}
	if content == "" {
		content = "[media only]"
	}

	quotedID := ""
	quotedText := ""
	if m.ReferencedMessage != nil {
		quotedID = m.ReferencedMessage.ID
		quotedText = m.ReferencedMessage.Content
	}

	c.beginTyping(m.ChannelID)

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"preview":     preview(content, 50),
	})

	c.PublishInbound(bus.InboundEvent{
		EventID:     m.ID,
		OwnerID:     s.State.User.ID,
		RawAddress:  rawAddress(m),
		DisplayName: senderName,
		ChatID:      m.ChannelID,
		Content:     content,
		MediaRef:    mediaRef,
		QuotedID:    quotedID,
		QuotedText:  quotedText,
		Metadata: map[string]string{
			"message_id": m.ID,
			"user_id":    m.Author.ID,
			"username":   m.Author.Username,
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
			"is_dm":      fmt.Sprintf("%t", m.GuildID == ""),
		},
	})
}

// rawAddress builds the channel-level address the identity layer
// normalizes. Direct messages are keyed by the author, guild channels
// by guild and channel so everyone in the room shares one
// conversation.
func rawAddress(m *discordgo.MessageCreate) string {
	if m.GuildID == "" {
		return m.Author.ID
	}
	return fmt.Sprintf("%s-%s@discord.gg", m.GuildID, m.ChannelID)
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
