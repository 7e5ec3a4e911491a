package discord

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bwmarrin/discordgo"
)

// Message is the platform-neutral view of a chat message that the
// pipeline handlers consume.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorBot   bool
	Content     string
	Attachments []AttachmentRef
}

// AttachmentRef points at one uploaded file on the platform.
type AttachmentRef struct {
	URL      string
	Filename string
	Size     int
}

// FileUpload is one local file to attach to an outbound message.
type FileUpload struct {
	Path string
	Name string
}

// Client is the platform surface the handlers depend on. The concrete
// implementation wraps a discordgo session; tests substitute fakes.
type Client interface {
	// FetchDMMessage fetches a message after verifying the channel is
	// DM-capable. Returns ErrNotDMChannel for other channel kinds.
	FetchDMMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	// MessagesAfter pages a channel forward from afterID, oldest first.
	MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]*Message, error)
	// DMChannelFor resolves (creating if needed) the DM channel with a user.
	DMChannelFor(ctx context.Context, userID string) (string, error)
	// LatestDMFrom returns the newest message in the DM channel with
	// userID, or nil when the history is empty.
	LatestDMFrom(ctx context.Context, userID string) (*Message, error)
	React(ctx context.Context, channelID, messageID, emoji string) error
	SendText(ctx context.Context, channelID, text string) error
	SendFiles(ctx context.Context, channelID, text string, files []FileUpload) error
	Typing(ctx context.Context, channelID string) error
}

// SessionClient implements Client over a live gateway session owned by
// the supervisor.
type SessionClient struct {
	sup *Supervisor
}

var _ Client = (*SessionClient)(nil)

// NewSessionClient wraps the supervisor's session as a Client.
func NewSessionClient(sup *Supervisor) *SessionClient {
	return &SessionClient{sup: sup}
}

func (c *SessionClient) session() (*discordgo.Session, error) {
	s := c.sup.Session()
	if s == nil {
		return nil, fmt.Errorf("gateway session not established")
	}
	return s, nil
}

// FetchDMMessage implements Client.
func (c *SessionClient) FetchDMMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	ch, err := s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	if ch.Type != discordgo.ChannelTypeDM {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotDMChannel)
	}
	msg, err := s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	return convertMessage(msg), nil
}

// MessagesAfter implements Client.
func (c *SessionClient) MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]*Message, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	msgs, err := s.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("page messages after %s: %w", afterID, err)
	}
	// The API returns newest first; the pipeline wants send order.
	out := make([]*Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, convertMessage(msgs[i]))
	}
	return out, nil
}

// DMChannelFor implements Client.
func (c *SessionClient) DMChannelFor(ctx context.Context, userID string) (string, error) {
	s, err := c.session()
	if err != nil {
		return "", err
	}
	ch, err := s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("open dm channel with %s: %w", userID, err)
	}
	return ch.ID, nil
}

// LatestDMFrom implements Client.
func (c *SessionClient) LatestDMFrom(ctx context.Context, userID string) (*Message, error) {
	channelID, err := c.DMChannelFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	msgs, err := s.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch latest dm from %s: %w", userID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return convertMessage(msgs[0]), nil
}

// React implements Client.
func (c *SessionClient) React(ctx context.Context, channelID, messageID, emoji string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("react %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// SendText implements Client.
func (c *SessionClient) SendText(ctx context.Context, channelID, text string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if _, err := s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send to %s: %w", channelID, err)
	}
	return nil
}

// SendFiles implements Client. The files are streamed from disk; text
// may be empty for a file-only message.
func (c *SessionClient) SendFiles(ctx context.Context, channelID, text string, files []FileUpload) error {
	s, err := c.session()
	if err != nil {
		return err
	}

	var readers []io.Closer
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	send := &discordgo.MessageSend{Content: text}
	for _, f := range files {
		fh, err := os.Open(f.Path)
		if err != nil {
			return fmt.Errorf("open attachment %s: %w", f.Path, err)
		}
		readers = append(readers, fh)
		send.Files = append(send.Files, &discordgo.File{Name: f.Name, Reader: fh})
	}

	if _, err := s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send files to %s: %w", channelID, err)
	}
	return nil
}

// Typing implements Client.
func (c *SessionClient) Typing(ctx context.Context, channelID string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	return s.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func convertMessage(m *discordgo.Message) *Message {
	out := &Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorBot = m.Author.Bot
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, AttachmentRef{
			URL:      a.URL,
			Filename: a.Filename,
			Size:     a.Size,
		})
	}
	return out
}
