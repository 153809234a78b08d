// Package channels defines the transport interfaces and types for botik.
// Each transport (Telegram, Discord) implements the Channel interface to
// receive and send messages in a unified way; the bot core never talks to
// a platform API directly.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
	MessageVoice MessageType = "voice"
)

// Channel defines the interface that every transport must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message to the specified chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming events.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media capabilities.
type MediaChannel interface {
	Channel

	// SendMedia sends a media message (image, audio, video, voice note).
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// DownloadMedia downloads media from an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// SelectionChannel extends Channel with inline choice support: the bot can
// attach choice buttons to an outgoing message and receives the user's pick
// as an IncomingMessage with a non-nil Selection.
type SelectionChannel interface {
	Channel

	// AcknowledgeSelection confirms receipt of a selection event so the
	// platform stops showing a loading state to the user.
	AcknowledgeSelection(ctx context.Context, selectionID string) error

	// DeleteMessage removes a previously sent message (e.g. the choice
	// prompt once the user has picked an option).
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the chat.
	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage represents an event received from any channel: a text or
// media message, or an inline choice selection.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation identifier.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains media attachment details (if any).
	Media *MediaInfo

	// Selection is set when the event is an inline choice pick rather
	// than a message.
	Selection *Selection
}

// Selection carries an inline choice pick.
type Selection struct {
	// ID is the platform selection identifier, used for acknowledgement.
	ID string

	// Data is the opaque payload attached to the chosen button.
	Data string

	// MessageID is the message the buttons were attached to.
	MessageID string
}

// Choice is an inline button offered with an outgoing message.
type Choice struct {
	// Label is the button text shown to the user.
	Label string

	// Data is the opaque payload returned in Selection.Data when picked.
	Data string
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string

	// Choices attaches inline buttons (one per row) when non-empty.
	// Channels without selection support render them as plain text.
	Choices []Choice
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image, audio, video, voice).
	Type MessageType

	// Data is the raw media bytes. Either Data or FilePath must be set.
	Data []byte

	// FilePath points to a local file to stream. Either Data or FilePath
	// must be set.
	FilePath string

	// MimeType is the MIME type (e.g. "image/jpeg", "audio/ogg").
	MimeType string

	// Filename is the name reported to the platform.
	Filename string

	// Caption is the text accompanying the media.
	Caption string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// Type is the media type.
	Type MessageType

	// MimeType is the MIME type of the media.
	MimeType string

	// FileRef is the platform-specific handle used to download the file
	// (Telegram file_id, Discord attachment URL).
	FileRef string

	// FileSize is the size in bytes.
	FileSize uint64

	// Duration is the duration in seconds (audio/video).
	Duration uint32
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected   = fmt.Errorf("channel is not connected")
	ErrMediaDownloadFailed   = fmt.Errorf("failed to download media")
	ErrSelectionsUnsupported = fmt.Errorf("channel does not support selections")
)
