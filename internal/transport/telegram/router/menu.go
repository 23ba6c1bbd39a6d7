package router

import (
	"strings"
	"unicode"

	kit "readbot/internal/transport"
)

// sanitizeTelegramCommand converts an arbitrary route/alias into a Telegram-safe bot command name.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildTelegramMenuCommands lists everyone's commands first; admin commands get a lock.
func buildTelegramMenuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, pass := range []Access{AccessEveryone, AccessAdminOnly} {
		for _, c := range cmds {
			if c.Access != pass {
				continue
			}
			desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
			if desc == "" {
				desc = c.Route
			}
			if c.Access == AccessAdminOnly {
				desc = "🔒 " + desc
			}
			out = append(out, kit.BotCommand{Command: c.Route, Description: desc})
			if len(out) >= 100 {
				return out
			}
		}
	}
	return out
}
