package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	IsGroup       bool
	Time          time.Time
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo threads the message under an existing one (0 = none).
	ReplyTo int
}

// File is an in-memory attachment.
type File struct {
	Name    string
	Data    []byte
	Caption string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, f File) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, f File) (MessageRef, error)
	// MemberCount returns the number of members of a chat.
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
