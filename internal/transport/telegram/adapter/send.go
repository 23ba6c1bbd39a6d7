package adapter

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"readbot/internal/apperr"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

const telegramTextLimit = 4000

// retry waits for the limiter and runs fn with exponential backoff.
// Context errors and permanent API errors stop immediately.
func retry[T any](ctx context.Context, lim *rate.Limiter, base time.Duration, attempts int, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = 8 * base
	return backoff.Retry(ctx, func() (T, error) {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}

func isPermanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrNotStartedByUser):
		return true
	}
	return false
}

func (a *Adapter) send(ctx context.Context, op string, to kit.ChatTarget, what any, opt *tele.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := retry(ctx, a.limiter, a.cfg.RetryBase, a.cfg.MaxAttempts, func() (*tele.Message, error) {
		return a.bot.Send(chat, what, opt)
	})
	if err != nil {
		a.log.Warn("telegram send failed", logx.String("op", op), logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return kit.MessageRef{}, apperr.External("telegram", op, err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
		if opt.ReplyTo != 0 {
			so.ReplyTo = &tele.Message{ID: opt.ReplyTo, Chat: &tele.Chat{ID: to.ChatID}}
		}
	}
	return so
}

// SendText sends text, splitting it into several messages when needed.
// The returned ref points to the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		so := sendOptions(to, opt)
		if i > 0 {
			so.ReplyTo = nil
		}
		ref, err := a.send(ctx, "send_text", to, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = ref
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, f kit.File) (kit.MessageRef, error) {
	return a.sendFile(ctx, "send_photo", to, f, func(r *bytes.Reader) any {
		return &tele.Photo{File: tele.FromReader(r), Caption: f.Caption}
	})
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, f kit.File) (kit.MessageRef, error) {
	return a.sendFile(ctx, "send_document", to, f, func(r *bytes.Reader) any {
		return &tele.Document{File: tele.FromReader(r), FileName: f.Name, Caption: f.Caption}
	})
}

// sendFile builds a fresh reader per attempt so a retried upload starts from byte 0.
func (a *Adapter) sendFile(ctx context.Context, op string, to kit.ChatTarget, f kit.File, build func(*bytes.Reader) any) (kit.MessageRef, error) {
	if len(f.Data) == 0 {
		return kit.MessageRef{}, apperr.Validationf("file", "%s is empty", f.Name)
	}
	chat := &tele.Chat{ID: to.ChatID}
	so := sendOptions(to, nil)
	msg, err := retry(ctx, a.limiter, a.cfg.RetryBase, a.cfg.MaxAttempts, func() (*tele.Message, error) {
		return a.bot.Send(chat, build(bytes.NewReader(f.Data)), so)
	})
	if err != nil {
		a.log.Warn("telegram upload failed", logx.String("op", op), logx.String("file", f.Name), logx.Err(err))
		return kit.MessageRef{}, apperr.External("telegram", op, err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) MemberCount(ctx context.Context, chatID int64) (int, error) {
	n, err := retry(ctx, a.limiter, a.cfg.RetryBase, a.cfg.MaxAttempts, func() (int, error) {
		return a.bot.Len(&tele.Chat{ID: chatID})
	})
	if err != nil {
		return 0, apperr.External("telegram", "member_count", err)
	}
	return n, nil
}

// SendLogLine implements logx.ChatSender.
func (a *Adapter) SendLogLine(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// UpdateMenuCommands updates the global /menu command list (setMyCommands).
// It only calls the API when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == a.menuHash {
		return nil
	}

	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	_, err := retry(ctx, a.limiter, a.cfg.RetryBase, a.cfg.MaxAttempts, func() (struct{}, error) {
		return struct{}{}, a.bot.SetCommands(list)
	})
	if err != nil {
		return apperr.External("telegram", "set_commands", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menuHash(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid extremely small chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
