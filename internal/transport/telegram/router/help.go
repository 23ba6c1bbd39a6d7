package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		if c, ok := m.lookup(commandWord(args[0])); ok {
			return helpCommandHTML(c)
		}
		return "❓ <b>Unknown command</b>\nType <code>/help</code> to list commands."
	}
	return helpTopHTML(m.commandList())
}

func helpTopHTML(cmds []Command) string {
	// everyone's commands first, admin commands at the bottom
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Route < cmds[j].Route
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	adminHeader := false
	for _, c := range cmds {
		if c.Access == AccessAdminOnly && !adminHeader {
			lines = append(lines, "", "🔒 <b>Admin</b>")
			adminHeader = true
		}
		line := "/" + html.EscapeString(c.Route)
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []string{"<b>/" + html.EscapeString(c.Route) + "</b>"}
	if c.Access == AccessAdminOnly {
		lines[0] += " 🔒"
	}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "Usage: <code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		as := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			as = append(as, "/"+html.EscapeString(a))
		}
		lines = append(lines, "Aliases: "+strings.Join(as, ", "))
	}
	return strings.Join(lines, "\n")
}
