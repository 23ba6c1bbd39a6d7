package campaign

import (
	"context"
	"strings"
	"unicode"

	"readbot/internal/clock"
	"readbot/internal/eventbus"
	"readbot/internal/ledger"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

// HandleMessage records a completion when a group member posts one of the
// completion keywords. Anything else is ignored.
func (s *Service) HandleMessage(ctx context.Context, msg *kit.Message) error {
	set := s.Settings()
	if msg == nil || msg.FromID == 0 || msg.ChatID != set.GroupID {
		return nil
	}
	if !matchesKeyword(msg.Text, set.Keywords) {
		return nil
	}

	at := msg.Time
	if at.IsZero() {
		at = s.d.Clock.Now()
	}
	at = at.In(s.d.Clock.Location())
	c := ledger.Completion{
		UserID:      msg.FromID,
		Date:        clock.DateOf(at),
		Username:    msg.FromUsername,
		FirstName:   msg.FromFirstName,
		CompletedAt: at,
	}
	outcome, err := s.d.Ledger.Record(ctx, c)
	if err != nil {
		return err
	}
	if outcome != ledger.Recorded {
		return nil
	}
	s.publish(eventbus.CompletionRecorded, c)

	if reply := strings.TrimSpace(set.CompletionReply); reply != "" {
		name := ledger.Participant{UserID: c.UserID, Username: c.Username, FirstName: c.FirstName}.DisplayName()
		text := strings.ReplaceAll(reply, "{name}", name)
		to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
		if _, err := s.d.Delivery.SendText(ctx, to, text, &kit.SendOptions{ReplyTo: msg.ID}); err != nil {
			// the completion is already stored; the reply is cosmetic
			s.log.Warn("completion reply failed", logx.Int64("user", c.UserID), logx.Err(err))
		}
	}
	return nil
}

// matchesKeyword accepts the keyword as the whole message, as its first word,
// or as a hashtag anywhere ("#done").
func matchesKeyword(text string, keywords []string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	first := strings.FieldsFunc(t, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if t == k || strings.Contains(t, "#"+k) {
			return true
		}
		if len(first) > 0 && first[0] == k {
			return true
		}
	}
	return false
}
