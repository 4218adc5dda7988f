package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
)

// Handler processes one request. *Relay implements it.
type Handler interface {
	Handle(ctx context.Context, req Request) error
}

// DispatcherOptions wires a Dispatcher. Commander and Handler are required;
// DB enables offset resume and duplicate suppression.
type DispatcherOptions struct {
	Commander cmdpkg.Commander
	Handler   Handler
	DB        *sql.DB
	Events    *Events
	Logger    *slog.Logger
	Metrics   *metrics.RelayMetrics
	Policy    control.Policy

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int
	// Sleep is the pause after an empty short poll, and the minimum pause
	// after a poll error.
	Sleep time.Duration

	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
}

// Dispatcher long-polls the commander and runs the handler for every text
// message in its own goroutine.
type Dispatcher struct {
	commander cmdpkg.Commander
	handler   Handler
	db        *sql.DB
	events    *Events
	log       *slog.Logger
	metrics   *metrics.RelayMetrics
	policy    control.Policy
	circuit   *control.CircuitBreaker

	pollTimeout   int
	sleep         time.Duration
	dropPending   bool
	pendingWindow int64
	pendingMax    int

	// offset is owned by the goroutine calling Run or Poll.
	offset int64
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	policy := opts.Policy
	if policy == (control.Policy{}) {
		policy = control.DefaultPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	sleep := opts.Sleep
	if sleep <= 0 {
		sleep = time.Second
	}
	pendingMax := opts.PendingMaxMessages
	if pendingMax <= 0 {
		pendingMax = 50
	}
	return &Dispatcher{
		commander:     opts.Commander,
		handler:       opts.Handler,
		db:            opts.DB,
		events:        opts.Events,
		log:           log,
		metrics:       opts.Metrics,
		policy:        policy,
		circuit:       control.NewCircuitBreaker(policy.BreakerThreshold, policy.BreakerCooldown),
		pollTimeout:   opts.PollTimeout,
		sleep:         sleep,
		dropPending:   opts.DropPending,
		pendingWindow: opts.PendingWindowSeconds,
		pendingMax:    pendingMax,
		now:           time.Now,
	}
}

// Offset returns the next update ID to request.
func (d *Dispatcher) Offset() int64 {
	return d.offset
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.initOffset(ctx); err != nil {
		return err
	}
	d.log.Info("dispatcher running", "offset", d.offset, "poll_timeout", d.pollTimeout)

	failures := 0
	for ctx.Err() == nil {
		allowed, probing := d.circuit.Allow(d.now())
		if !allowed {
			d.pause(ctx, d.sleep)
			continue
		}
		if probing {
			d.log.Info("circuit half-open, probing", "error_class", d.circuit.OpenedClass())
		}

		n, err := d.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			d.recordPollFailure(err)
			d.pause(ctx, d.policy.Backoff(failures, d.sleep))
			continue
		}
		failures = 0
		if d.circuit.RecordSuccess() {
			d.events.Log(d.events.Root(), db.EventCircuitClosed, map[string]any{"recovered": true})
			d.log.Info("circuit closed")
		}
		if n == 0 && d.pollTimeout == 0 {
			d.pause(ctx, d.sleep)
		}
	}

	d.log.Info("dispatcher stopping, waiting for in-flight handlers")
	d.Wait()
	return nil
}

// Wait blocks until every dispatched handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Poll fetches one batch of updates and dispatches its text messages. It
// returns the number of handlers started.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	updates, err := d.commander.GetUpdates(ctx, d.offset, d.pollTimeout)
	if err != nil {
		return 0, fmt.Errorf("get updates: %w", err)
	}

	dispatched := 0
	for _, update := range updates {
		if update.UpdateID >= d.offset {
			d.offset = update.UpdateID + 1
		}

		msg := update.Message
		if msg == nil || msg.Text == nil || *msg.Text == "" {
			continue
		}
		kind := Kind(*msg.Text)

		if d.db != nil {
			fresh, err := db.RecordUpdate(d.db, update.UpdateID, msg.Chat.ID, kind, msg.Date)
			if err != nil {
				d.log.Warn("failed to record update", "update_id", update.UpdateID, "error", err)
			} else if !fresh {
				d.log.Debug("skipping duplicate update", "update_id", update.UpdateID)
				continue
			}
		}

		d.dispatch(ctx, update, kind)
		dispatched++
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, update cmdpkg.Update, kind string) {
	req := Request{
		ID:       uuid.NewString(),
		UpdateID: update.UpdateID,
		Message:  update.Message,
	}
	req.EventID = d.events.Log(d.events.Root(), db.EventUpdateReceived, map[string]any{
		"chat_id":    update.Message.Chat.ID,
		"update_id":  update.UpdateID,
		"kind":       kind,
		"request_id": req.ID,
	})
	log := d.log.With("chat_id", update.Message.Chat.ID, "update_id", update.UpdateID, "request_id", req.ID)
	log.Debug("update received", "kind", kind)

	// Handlers outlive shutdown of the poll loop; their own timeouts bound them.
	hctx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				d.metrics.ObservePanic()
				d.events.Log(req.EventID, db.EventHandlerPanicked, map[string]any{
					"panic": fmt.Sprint(p),
				})
				log.Error("handler panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			}
		}()

		if err := d.handler.Handle(hctx, req); err != nil {
			log.Debug("handler finished with error", "error", err)
		}
	}()
}

func (d *Dispatcher) recordPollFailure(err error) {
	d.metrics.ObservePollError()
	errClass := classifyError(err)
	d.log.Warn("getUpdates failed", "error_class", errClass, "error", err)

	if d.circuit.RecordFailure(errClass, d.now()) {
		d.events.Log(d.events.Root(), db.EventCircuitOpened, map[string]any{
			"error_class":      errClass,
			"threshold":        d.circuit.Threshold,
			"cooldown_seconds": int(d.circuit.Cooldown.Seconds()),
		})
		d.log.Error("circuit opened", "error_class", errClass, "cooldown", d.circuit.Cooldown.String())
	}
}

// initOffset resumes after the last recorded update and, when pending updates
// are dropped, skips whatever queued up while the relay was down.
func (d *Dispatcher) initOffset(ctx context.Context) error {
	if d.db != nil {
		offset, err := db.DeriveOffset(d.db)
		if err != nil {
			return fmt.Errorf("derive offset: %w", err)
		}
		d.offset = offset
	}
	if !d.dropPending {
		return nil
	}
	bootstrapped, err := d.bootstrapOffset(ctx)
	if err != nil {
		d.log.Warn("bootstrap offset failed", "error", err)
		return nil
	}
	if bootstrapped > d.offset {
		d.offset = bootstrapped
	}
	return nil
}

// bootstrapOffset returns the offset that skips pending updates older than
// the pending window, keeping at most pendingMax of the newest ones.
func (d *Dispatcher) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := d.commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	var inWindow []cmdpkg.Update
	if d.pendingWindow > 0 {
		cutoff := d.now().Unix() - d.pendingWindow
		for _, u := range updates {
			if u.Message != nil && u.Message.Date >= cutoff {
				inWindow = append(inWindow, u)
			}
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}
	if len(inWindow) > d.pendingMax {
		inWindow = inWindow[len(inWindow)-d.pendingMax:]
	}
	return inWindow[0].UpdateID, nil
}

func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func classifyError(err error) string {
	var apiErr *telegram.APIError
	var netErr net.Error
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &apiErr):
		return "telegram_api"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return "transport"
	default:
		return "command_source_api"
	}
}
