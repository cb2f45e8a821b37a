// Package router drives the Telegram conversation: menus, the pairing
// flow, destination selection, broadcast submission and the admin panel.
// It consumes normalized transport updates and engine notifications; it
// never touches the messaging network directly.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"wabridge/internal/broadcast"
	"wabridge/internal/datastore"
	"wabridge/internal/entitlement"
	"wabridge/internal/eventbus"
	"wabridge/internal/replies"
	rtsup "wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

// Deps wires the router to the engine. All fields are required unless
// noted.
type Deps struct {
	Adapter   kit.Adapter
	Registry  *session.Registry
	Broadcast *broadcast.Service
	Replies   *replies.Matcher
	Entitle   *entitlement.Service
	Store     *datastore.DB
	Bus       eventbus.Bus
	Log       logx.Logger

	// AdminUserID is the operator. Admin-only flows are hidden from
	// everyone else.
	AdminUserID int64
}

type Router struct {
	deps Deps
	log  logx.Logger

	convMu sync.Mutex
	conv   map[int64]*conversation // chatID -> pending input state

	// progress tracks the live progress message per broadcast job so bus
	// notifications can edit in place instead of spamming.
	progMu   sync.Mutex
	progress map[string]*progressView
}

func New(deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		deps:     deps,
		log:      log.With(logx.String("comp", "telegram.router")),
		conv:     map[int64]*conversation{},
		progress: map[string]*progressView{},
	}
}

// tenantID derives the engine tenant from the Telegram user. One user,
// one tenant.
func tenantID(userID int64) string { return strconv.FormatInt(userID, 10) }

func chatFromTenant(id string) (kit.ChatTarget, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, false
	}
	return kit.ChatTarget{ChatID: n}, true
}

// Run consumes updates and engine notifications until ctx is cancelled.
// Updates are handled on a small worker pool; per-chat input state is
// mutex-guarded, so concurrent updates for one chat stay consistent.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}()

	events, unsub := r.deps.Bus.Subscribe(128)
	defer unsub()

	sup.Go0("router.notifications", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				r.handleNotification(c, e)
			}
		}
	})

	const workers = 4
	jobs := make(chan kit.Update, 64)
	for i := 0; i < workers; i++ {
		idx := i
		sup.Go0("router.worker."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case up, ok := <-jobs:
					if !ok {
						return
					}
					r.dispatch(c, up)
				}
			}
		})
	}

	r.log.Info("router started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			return
		case up, ok := <-updates:
			if !ok {
				close(jobs)
				return
			}
			select {
			case jobs <- up:
			case <-ctx.Done():
				close(jobs)
				return
			}
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	chat := kit.ChatTarget{ChatID: m.ChatID}
	r.touchContact(ctx, m)

	text := strings.TrimSpace(m.Text)
	switch {
	case text == "/start":
		r.clearConversation(m.ChatID)
		r.sendMainMenu(ctx, chat, m.FromID)
		return
	case text == "/admin":
		r.clearConversation(m.ChatID)
		if m.FromID != r.deps.AdminUserID {
			r.reply(ctx, chat, "This command is for the operator.")
			return
		}
		r.sendAdminMenu(ctx, chat)
		return
	case text == "/cancel":
		r.clearConversation(m.ChatID)
		r.reply(ctx, chat, "Cancelled.")
		return
	}

	// Anything else is either pending conversation input or noise.
	if st := r.conversation(m.ChatID); st != nil && st.await != awaitNone {
		r.handleAwaitedInput(ctx, chat, m, st)
		return
	}
	r.sendMainMenu(ctx, chat, m.FromID)
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	chat := kit.ChatTarget{ChatID: cb.ChatID}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	ack := "" // shown as a toast; empty acks silently
	action, arg, _ := strings.Cut(cb.Data, ":")
	var err error
	switch action {
	case "menu":
		err = r.cbMenu(ctx, chat, ref, cb.FromID, arg)
	case "connect":
		ack, err = r.cbConnect(ctx, chat, cb.FromID, arg)
	case "logout":
		ack, err = r.cbLogout(ctx, chat, cb.FromID)
	case "dest":
		err = r.cbDestinations(ctx, ref, cb.FromID, arg)
	case "bc":
		ack, err = r.cbBroadcast(ctx, chat, ref, cb.FromID, arg)
	case "reply":
		err = r.cbReplies(ctx, chat, ref, cb.FromID, arg)
	case "sub":
		ack, err = r.cbSubscription(ctx, chat, cb.FromID, arg)
	case "adm":
		if cb.FromID != r.deps.AdminUserID {
			ack = "Operator only."
			break
		}
		ack, err = r.cbAdmin(ctx, chat, ref, arg)
	default:
		ack = "Unknown action."
	}
	if err != nil {
		r.log.Warn("callback failed",
			logx.String("data", cb.Data),
			logx.Int64("from", cb.FromID),
			logx.Err(err))
		if ack == "" {
			ack = "Something went wrong. Try again."
		}
	}
	_ = r.deps.Adapter.AnswerCallback(ctx, cb.ID, ack)
}

func (r *Router) touchContact(ctx context.Context, m *kit.Message) {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.TouchContact(ctx, tenantID(m.FromID)); err != nil {
		r.log.Debug("contact upsert failed", logx.Err(err))
	}
}

func (r *Router) reply(ctx context.Context, chat kit.ChatTarget, text string) {
	if _, err := r.deps.Adapter.SendText(ctx, chat, text, nil); err != nil {
		r.log.Warn("send failed", logx.Int64("chat", chat.ChatID), logx.Err(err))
	}
}
