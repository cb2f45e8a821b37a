package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"wabridge/internal/session"
	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

// settingForcedChannel, when set, names a channel the operator wants new
// users to join. It is surfaced as a join button, nothing is enforced.
const settingForcedChannel = "forced_channel"

func btn(text, data string) tele.InlineButton {
	return tele.InlineButton{Text: text, Data: data}
}

func urlBtn(text, url string) tele.InlineButton {
	return tele.InlineButton{Text: text, URL: url}
}

func keyboard(rows ...[]tele.InlineButton) *kit.SendOptions {
	return &kit.SendOptions{ReplyMarkupAdapter: &tele.ReplyMarkup{InlineKeyboard: rows}}
}

func (r *Router) mainMenuText(ctx context.Context, userID int64) string {
	tid := tenantID(userID)
	var b strings.Builder
	b.WriteString("WhatsApp bridge\n\n")

	status := "not connected"
	if s, ok := r.deps.Registry.Get(tid); ok {
		status = s.Status().String()
	}
	b.WriteString("Session: " + status + "\n")

	if rem, err := r.deps.Entitle.Remaining(ctx, tid); err == nil && rem > 0 {
		b.WriteString(fmt.Sprintf("Subscription: %d day(s) left\n", int(rem.Hours()/24)+1))
	} else if userID == r.deps.AdminUserID {
		b.WriteString("Subscription: operator\n")
	} else {
		b.WriteString("Subscription: inactive\n")
	}

	if s, ok := r.deps.Registry.Get(tid); ok {
		if n := len(s.Selected()); n > 0 {
			b.WriteString(fmt.Sprintf("Selected destinations: %d\n", n))
		}
	}
	return b.String()
}

func (r *Router) mainMenuKeyboard(ctx context.Context, userID int64) *kit.SendOptions {
	rows := [][]tele.InlineButton{
		{btn("🔌 Connect", "connect:ask"), btn("🚪 Log out", "logout:")},
		{btn("🎯 Destinations", "dest:open"), btn("📣 Broadcast", "bc:start")},
		{btn("💬 Auto-replies", "reply:open"), btn("📊 Status", "menu:status")},
		{btn("⭐ Subscription", "sub:info")},
	}
	if userID == r.deps.AdminUserID {
		rows = append(rows, []tele.InlineButton{btn("🛠 Admin panel", "adm:panel")})
	}
	if ch, err := r.deps.Store.Setting(ctx, settingForcedChannel); err == nil && ch != "" {
		rows = append(rows, []tele.InlineButton{
			urlBtn("📢 Join our channel", "https://t.me/"+strings.TrimPrefix(ch, "@")),
		})
	}
	return keyboard(rows...)
}

func (r *Router) sendMainMenu(ctx context.Context, chat kit.ChatTarget, userID int64) {
	text := r.mainMenuText(ctx, userID)
	if _, err := r.deps.Adapter.SendText(ctx, chat, text, r.mainMenuKeyboard(ctx, userID)); err != nil {
		r.log.Warn("menu send failed", logx.Int64("chat", chat.ChatID), logx.Err(err))
	}
}

func (r *Router) cbMenu(ctx context.Context, chat kit.ChatTarget, ref kit.MessageRef, userID int64, arg string) error {
	switch arg {
	case "status":
		return r.deps.Adapter.EditText(ctx, ref, r.statusText(ctx, userID),
			keyboard([]tele.InlineButton{btn("« Back", "menu:main")}))
	default: // "main"
		return r.deps.Adapter.EditText(ctx, ref, r.mainMenuText(ctx, userID), r.mainMenuKeyboard(ctx, userID))
	}
}

func (r *Router) statusText(ctx context.Context, userID int64) string {
	tid := tenantID(userID)
	var b strings.Builder
	b.WriteString("Status\n\n")

	if s, ok := r.deps.Registry.Get(tid); ok {
		b.WriteString("Session: " + s.Status().String() + "\n")
		b.WriteString(fmt.Sprintf("Destinations cached: %d, selected: %d\n",
			len(s.Destinations()), len(s.Selected())))
	} else {
		b.WriteString("Session: not connected\n")
	}

	if n, err := r.deps.Replies.Count(ctx, tid); err == nil {
		b.WriteString(fmt.Sprintf("Auto-reply rules: %d\n", n))
	}

	if p, ok := r.deps.Broadcast.Status(tid); ok {
		if p.Running {
			b.WriteString(fmt.Sprintf("Broadcast: running, %d/%d sent\n", p.Sent, p.Total))
		} else {
			b.WriteString(fmt.Sprintf("Last broadcast: %d sent of %d attempted\n", p.Sent, p.Attempted))
		}
	}
	return b.String()
}

// --- connect / logout ---

func (r *Router) cbConnect(ctx context.Context, chat kit.ChatTarget, userID int64, arg string) (string, error) {
	switch arg {
	case "qr":
		r.startConnect(ctx, chat, userID, session.ConnectOptions{})
		return "", nil
	case "code":
		r.setConversation(chat.ChatID, &conversation{await: awaitPhone})
		r.reply(ctx, chat, "Send your phone number in international format, e.g. 6281234567890.")
		return "", nil
	default: // "ask"
		_, err := r.deps.Adapter.SendText(ctx, chat, "How do you want to pair?",
			keyboard([]tele.InlineButton{
				btn("📷 QR code", "connect:qr"),
				btn("🔢 Pairing code", "connect:code"),
			}))
		return "", err
	}
}

func (r *Router) startConnect(ctx context.Context, chat kit.ChatTarget, userID int64, opts session.ConnectOptions) {
	tid := tenantID(userID)
	if s, ok := r.deps.Registry.Get(tid); ok && s.Status().Live() {
		r.reply(ctx, chat, "Already "+s.Status().String()+". Log out first to pair again.")
		return
	}
	if _, err := r.deps.Registry.Connect(ctx, tid, opts); err != nil {
		if errors.Is(err, session.ErrNotEntitled) {
			r.reply(ctx, chat, "Your subscription is not active. Open Subscription to request access.")
			return
		}
		r.log.Warn("connect failed", logx.String("tenant", tid), logx.Err(err))
		r.reply(ctx, chat, "Could not start the session. Try again in a moment.")
		return
	}
	r.reply(ctx, chat, "Starting the session. Pairing instructions will arrive here shortly.")
}

func (r *Router) cbLogout(ctx context.Context, chat kit.ChatTarget, userID int64) (string, error) {
	tid := tenantID(userID)
	if err := r.deps.Registry.Logout(ctx, tid); err != nil {
		return "", err
	}
	r.reply(ctx, chat, "Logged out. Saved credentials were removed.")
	return "", nil
}

// --- destination selection ---

const destPageSize = 24

func (r *Router) cbDestinations(ctx context.Context, ref kit.MessageRef, userID int64, arg string) error {
	tid := tenantID(userID)
	s, ok := r.deps.Registry.Get(tid)
	if !ok || s.Status() != session.Connected {
		return r.deps.Adapter.EditText(ctx, ref, "Connect first, then pick destinations.",
			keyboard([]tele.InlineButton{btn("« Back", "menu:main")}))
	}

	page := 0
	switch {
	case arg == "open":
		if _, err := s.FetchDestinations(ctx); err != nil {
			return err
		}
	case arg == "all":
		s.SelectAll()
	case arg == "none":
		s.DeselectAll()
	case arg == "done":
		n := len(s.Selected())
		s.ClearDestinationCache()
		return r.deps.Adapter.EditText(ctx, ref,
			fmt.Sprintf("Destination list saved: %d selected.", n),
			keyboard([]tele.InlineButton{btn("📣 Broadcast", "bc:start"), btn("« Menu", "menu:main")}))
	case strings.HasPrefix(arg, "p:"):
		fmt.Sscanf(arg, "p:%d", &page)
	case strings.HasPrefix(arg, "t:"):
		s.ToggleDestination(strings.TrimPrefix(arg, "t:"))
	}

	return r.renderDestinations(ctx, ref, s, page)
}

func (r *Router) renderDestinations(ctx context.Context, ref kit.MessageRef, s *session.Session, page int) error {
	dests := s.Destinations()
	if len(dests) == 0 {
		return r.deps.Adapter.EditText(ctx, ref, "No groups found on this account.",
			keyboard([]tele.InlineButton{btn("« Back", "menu:main")}))
	}

	selected := map[string]bool{}
	for _, id := range s.Selected() {
		selected[id] = true
	}

	pages := (len(dests) + destPageSize - 1) / destPageSize
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	from := page * destPageSize
	to := from + destPageSize
	if to > len(dests) {
		to = len(dests)
	}

	var rows [][]tele.InlineButton
	for _, d := range dests[from:to] {
		mark := "☐ "
		if selected[d.ID] {
			mark = "✅ "
		}
		name := d.Name
		if len(name) > 40 {
			name = name[:40]
		}
		rows = append(rows, []tele.InlineButton{btn(mark+name, "dest:t:"+d.ID)})
	}
	if pages > 1 {
		var nav []tele.InlineButton
		if page > 0 {
			nav = append(nav, btn("«", fmt.Sprintf("dest:p:%d", page-1)))
		}
		nav = append(nav, btn(fmt.Sprintf("%d/%d", page+1, pages), "dest:p:"+fmt.Sprint(page)))
		if page < pages-1 {
			nav = append(nav, btn("»", fmt.Sprintf("dest:p:%d", page+1)))
		}
		rows = append(rows, nav)
	}
	rows = append(rows,
		[]tele.InlineButton{btn("Select all", "dest:all"), btn("Clear", "dest:none")},
		[]tele.InlineButton{btn("✔ Done", "dest:done")},
	)

	text := fmt.Sprintf("Pick broadcast destinations (%d selected of %d):",
		len(s.Selected()), len(dests))
	return r.deps.Adapter.EditText(ctx, ref, text, keyboard(rows...))
}

// --- auto-replies ---

func (r *Router) cbReplies(ctx context.Context, chat kit.ChatTarget, ref kit.MessageRef, userID int64, arg string) error {
	tid := tenantID(userID)
	switch arg {
	case "add":
		r.setConversation(chat.ChatID, &conversation{await: awaitReplyKeyword})
		r.reply(ctx, chat, "Send the keyword. Incoming messages equal to it (case-insensitive) get the reply.")
		return nil
	case "del":
		r.setConversation(chat.ChatID, &conversation{await: awaitReplyRemove})
		r.reply(ctx, chat, "Send the keyword of the rule to remove.")
		return nil
	}

	rules, err := r.deps.Replies.List(ctx, tid)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Auto-replies\n\n")
	if len(rules) == 0 {
		b.WriteString("No rules yet.\n")
	}
	for _, rule := range rules {
		resp := rule.Response
		if len(resp) > 60 {
			resp = resp[:60] + "…"
		}
		b.WriteString("• " + rule.Keyword + " → " + resp + "\n")
	}
	return r.deps.Adapter.EditText(ctx, ref, b.String(), keyboard(
		[]tele.InlineButton{btn("➕ Add", "reply:add"), btn("➖ Remove", "reply:del")},
		[]tele.InlineButton{btn("« Back", "menu:main")},
	))
}

// --- subscription ---

func (r *Router) cbSubscription(ctx context.Context, chat kit.ChatTarget, userID int64, arg string) (string, error) {
	tid := tenantID(userID)
	if arg == "req" {
		admin := kit.ChatTarget{ChatID: r.deps.AdminUserID}
		text := fmt.Sprintf("Activation request from user %d.", userID)
		_, err := r.deps.Adapter.SendText(ctx, admin, text, keyboard([]tele.InlineButton{
			btn("Activate", "adm:act:"+tid),
			btn("Ignore", "adm:panel"),
		}))
		if err != nil {
			return "", err
		}
		r.reply(ctx, chat, "Request sent. You'll be notified once the operator activates you.")
		return "", nil
	}

	rem, err := r.deps.Entitle.Remaining(ctx, tid)
	var text string
	switch {
	case err == nil && rem > 0:
		text = fmt.Sprintf("Your subscription is active for %d more day(s).", int(rem.Hours()/24)+1)
	case userID == r.deps.AdminUserID:
		text = "You are the operator; access never expires."
	default:
		text = "No active subscription."
	}
	_, err = r.deps.Adapter.SendText(ctx, chat, text, keyboard([]tele.InlineButton{
		btn("Request activation", "sub:req"),
		btn("« Menu", "menu:main"),
	}))
	return "", err
}
