package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "readbot/internal/runtime/supervisor"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

// Access only affects how a command is listed in help and the menu.
// Authorization itself is enforced by the handlers.
type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Route       string   // single word, e.g. "reset"
	Aliases     []string // e.g. ["hr"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string // positional arguments

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// MessageHandler receives every non-command text message.
type MessageHandler func(ctx context.Context, msg *kit.Message) error

type Options struct {
	Workers   int
	QueueSize int
	// DefaultTimeout applies to commands without their own Timeout.
	DefaultTimeout time.Duration
	RenderError    ErrorRenderer
}

type CommandManager struct {
	mu       sync.RWMutex
	cmds     map[string]*Command
	alias    map[string]*Command
	fallback MessageHandler

	log     logx.Logger
	adapter kit.Adapter
	opts    Options

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
		if opts.Workers < 2 {
			opts.Workers = 2
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		log:     log,
		adapter: adapter,
		opts:    opts,
		jobs:    make(chan func(), opts.QueueSize),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

func (m *CommandManager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetFallback installs the handler for plain (non-command) messages.
func (m *CommandManager) SetFallback(h MessageHandler) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// SetRegistry replaces the command set. /help is always injected.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show this help",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args))
		},
	})

	byName := make(map[string]*Command, len(cmds))
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Route)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Route = name
		byName[name] = &c
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			a = sanitizeTelegramCommand(a)
			if a == "" {
				continue
			}
			// canonical names win over aliases
			if _, taken := byName[a]; taken {
				continue
			}
			alias[a] = c
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(m.commandList())
		run := func(parent context.Context) {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}
		if sup := m.Supervisor(); sup != nil {
			sup.Go0("telegram.menu.update", run)
		} else {
			go run(context.Background())
		}
	}
}

// commandList returns registered commands sorted by name.
func (m *CommandManager) commandList() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return *c, true
	}
	if c, ok := m.alias[word]; ok {
		return *c, true
	}
	return Command{}, false
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.opts.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.routePlain(ctx, msg)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, ok := m.lookup(word)
	if !ok {
		// group chats see commands meant for other bots; stay quiet there
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, to, "unknown command. try /help", nil)
		}
		return
	}
	m.enqueueCommand(ctx, msg, cmd, parts[1:])
}

func (m *CommandManager) routePlain(ctx context.Context, msg *kit.Message) {
	m.mu.RLock()
	h := m.fallback
	m.mu.RUnlock()
	if h == nil {
		return
	}
	if !m.tryEnqueue(func() {
		if err := h(ctx, msg); err != nil {
			m.log.Warn("message handler failed", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID), logx.Err(err))
		}
	}) {
		m.log.Warn("message dropped (queue full)", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
	}
}

func (m *CommandManager) enqueueCommand(ctx context.Context, msg *kit.Message, cmd Command, raw []string) {
	rid := newReqID()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Message:   msg,
		Chat:      kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:    msg.FromID,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(m.opts.RenderError),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "busy, try again", nil)
	}
}
