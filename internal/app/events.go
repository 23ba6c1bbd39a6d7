package app

import (
	"context"
	"fmt"
	"time"

	"readbot/internal/eventbus"
	"readbot/internal/task/scheduler"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

// watchEvents logs bus traffic and forwards job failures to the log chat.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if e.Type == eventbus.JobFailed {
					a.alert(c, e)
				}
			}
		}
	})
}

func (a *App) alert(ctx context.Context, e eventbus.Event) {
	chatID := a.cfgm.Get().Telegram.LogChatID
	if chatID == 0 {
		return
	}
	ev, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := a.adapter.SendText(sendCtx, kit.ChatTarget{ChatID: chatID}, jobFailureText(ev, a.clk.Location()), &kit.SendOptions{DisablePreview: true}); err != nil {
		a.log.Warn("job failure alert not delivered", logx.String("job", ev.Name), logx.Err(err))
	}
}

func jobFailureText(ev scheduler.JobEvent, loc *time.Location) string {
	return fmt.Sprintf("🚨 job %s failed at %s after %s\n%s",
		ev.Name, ev.Started.In(loc).Format("2006-01-02 15:04:05"), ev.Duration.Round(time.Millisecond), ev.Error)
}
