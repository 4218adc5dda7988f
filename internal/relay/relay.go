package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	ctxpkg "github.com/stupiduntilnot/relaybot/internal/context"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	modelpkg "github.com/stupiduntilnot/relaybot/internal/model"
)

// Fixed replies.
const (
	GreetingText = "Hello! \nHow is your day going?"
	ClearedText  = "I have refreshed my mind"
	HelpText     = "Hi there, Please follow these commands - \n" +
		"/start - To start a conversation\n" +
		"/clear - To clear the past conversation and context\n" +
		"/help - To get help\n" +
		"Hope this helps."
	FailureText = "Sorry, I couldn't get a reply right now. Please try again."
)

const (
	CommandStart = "/start"
	CommandClear = "/clear"
	CommandHelp  = "/help"

	// KindMessage labels updates routed to the completion path.
	KindMessage = "message"

	DefaultCompletionTimeout = 60 * time.Second

	maxLoggedInput = 200
	maxEventError  = 1000
)

var (
	// ErrCompletion marks an exchange the completion service could not answer.
	ErrCompletion = errors.New("completion failed")
	// ErrDelivery marks a reply the messaging platform did not accept.
	ErrDelivery = errors.New("reply delivery failed")

	errEmptyReply = errors.New("completion returned no content")
)

// Request is one inbound text message handed to a handler.
type Request struct {
	// ID correlates log lines and events of one update.
	ID       string
	UpdateID int64
	Message  *cmdpkg.Message
	// EventID is the update.received event, parent of the handler's events.
	EventID *int64
}

func (r Request) chatID() int64 {
	return r.Message.Chat.ID
}

func (r Request) text() string {
	if r.Message == nil || r.Message.Text == nil {
		return ""
	}
	return *r.Message.Text
}

// HandlerFunc handles one request.
type HandlerFunc func(ctx context.Context, req Request) error

// Options wires a Relay. Store, Provider and Commander are required.
type Options struct {
	Store             *ctxpkg.Store
	Assembler         ctxpkg.Assembler
	Provider          modelpkg.Provider
	Commander         cmdpkg.Commander
	Model             string
	CompletionTimeout time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.RelayMetrics
	Events            *Events
}

// Relay forwards chat messages to the completion service and keeps the last
// assistant reply of each conversation.
type Relay struct {
	store     *ctxpkg.Store
	assembler ctxpkg.Assembler
	provider  modelpkg.Provider
	commander cmdpkg.Commander
	model     string
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics.RelayMetrics
	events    *Events

	commands map[string]HandlerFunc
}

func New(opts Options) *Relay {
	r := &Relay{
		store:     opts.Store,
		assembler: opts.Assembler,
		provider:  opts.Provider,
		commander: opts.Commander,
		model:     opts.Model,
		timeout:   opts.CompletionTimeout,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		events:    opts.Events,
	}
	if r.store == nil {
		r.store = ctxpkg.NewStore(ctxpkg.ModePerChat)
	}
	if r.assembler == nil {
		r.assembler = &ctxpkg.ReplyAssembler{}
	}
	if r.timeout <= 0 {
		r.timeout = DefaultCompletionTimeout
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.commands = map[string]HandlerFunc{
		CommandStart: r.OnStart,
		CommandClear: r.OnClear,
		CommandHelp:  r.OnHelp,
	}
	return r
}

// Store exposes the conversation state.
func (r *Relay) Store() *ctxpkg.Store {
	return r.store
}

// Handle routes a request to its command handler, or to OnMessage when the
// text is not a known command.
func (r *Relay) Handle(ctx context.Context, req Request) error {
	if req.Message == nil {
		return nil
	}
	if cmd, ok := parseCommand(req.text()); ok {
		if h, found := r.commands[cmd]; found {
			r.metrics.ObserveUpdate(cmd)
			return h(ctx, req)
		}
	}
	r.metrics.ObserveUpdate(KindMessage)
	return r.OnMessage(ctx, req)
}

// OnStart resets the conversation and greets the user.
func (r *Relay) OnStart(ctx context.Context, req Request) error {
	r.reset(req, CommandStart)
	return r.deliver(ctx, req, GreetingText, true)
}

// OnClear resets the conversation and confirms it.
func (r *Relay) OnClear(ctx context.Context, req Request) error {
	r.reset(req, CommandClear)
	return r.deliver(ctx, req, ClearedText, true)
}

// OnHelp replies with the command list. Conversation state is not touched.
func (r *Relay) OnHelp(ctx context.Context, req Request) error {
	return r.deliver(ctx, req, HelpText, true)
}

func (r *Relay) reset(req Request, command string) {
	r.store.Reset(req.chatID())
	r.events.Log(req.EventID, db.EventContextReset, map[string]any{
		"chat_id": req.chatID(),
		"command": command,
	})
	r.log.Info("context reset", "chat_id", req.chatID(), "request_id", req.ID, "command", command)
}

// OnMessage sends [lastReply, text] to the completion service. On success the
// reply replaces lastReply and is sent to the chat; on failure lastReply is
// left alone and the user gets FailureText.
func (r *Relay) OnMessage(ctx context.Context, req Request) error {
	chatID := req.chatID()
	text := req.text()
	log := r.log.With("chat_id", chatID, "request_id", req.ID)
	log.Debug("user message", "input", text)

	startedID := r.events.Log(req.EventID, db.EventCompletionStarted, map[string]any{
		"chat_id":    chatID,
		"model_name": r.model,
	})
	parent := req.EventID
	if startedID != nil {
		parent = startedID
	}

	var resp modelpkg.CompletionResponse
	started := time.Now()
	reply, err := r.store.Update(chatID, func(lastReply string) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		// Always [assistant lastReply, user text]; the wire request omits an
		// empty assistant turn.
		out, err := r.provider.ChatCompletion(cctx, r.assembler.Assemble(lastReply, text))
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out.Content) == "" {
			return "", errEmptyReply
		}
		resp = out
		return out.Content, nil
	})
	latency := time.Since(started)

	if err != nil {
		r.metrics.ObserveCompletion("failed", latency.Seconds())
		r.events.Log(parent, db.EventCompletionFailed, map[string]any{
			"chat_id":    chatID,
			"latency_ms": latency.Milliseconds(),
			"error":      truncate(err.Error(), maxEventError),
		})
		log.Error("completion failed", "input", truncate(text, maxLoggedInput), "error", err)
		if sendErr := r.deliver(ctx, req, FailureText, false); sendErr != nil {
			return errors.Join(fmt.Errorf("%w: %w", ErrCompletion, err), sendErr)
		}
		return fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	r.metrics.ObserveCompletion("ok", latency.Seconds())
	r.events.Log(parent, db.EventCompletionCompleted, map[string]any{
		"chat_id":       chatID,
		"model_name":    r.model,
		"latency_ms":    latency.Milliseconds(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	log.Debug("model reply", "output", reply, "latency_ms", latency.Milliseconds())
	return r.deliver(ctx, req, reply, false)
}

// deliver sends text to the request's chat, as a reply to the triggering
// message when asReply is set. Failures are logged, counted and returned
// wrapped in ErrDelivery.
func (r *Relay) deliver(ctx context.Context, req Request, text string, asReply bool) error {
	chatID := req.chatID()
	var err error
	if asReply {
		err = r.commander.ReplyMessage(ctx, chatID, req.Message.MessageID, text)
	} else {
		err = r.commander.SendMessage(ctx, chatID, text)
	}
	r.metrics.ObserveReply(err == nil)
	if err != nil {
		r.events.Log(req.EventID, db.EventReplyFailed, map[string]any{
			"chat_id": chatID,
			"error":   truncate(err.Error(), maxEventError),
		})
		r.log.Warn("failed to deliver reply", "chat_id", chatID, "request_id", req.ID, "error", err)
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	r.events.Log(req.EventID, db.EventReplySent, map[string]any{
		"chat_id":  chatID,
		"reply_to": asReply,
	})
	return nil
}

// parseCommand returns the command token of text, without any @botname
// suffix. Matching is case-sensitive and arguments are ignored.
func parseCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	if cmd == "/" {
		return "", false
	}
	return cmd, true
}

// Kind labels an inbound text for the updates table: the command token, or
// KindMessage.
func Kind(text string) string {
	if cmd, ok := parseCommand(text); ok {
		return cmd
	}
	return KindMessage
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
