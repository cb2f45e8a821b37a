package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

func (r *Router) adminMenuText(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("Admin panel\n\n")
	if n, err := r.deps.Entitle.Count(ctx); err == nil {
		b.WriteString(fmt.Sprintf("Known tenants: %d\n", n))
	}
	b.WriteString(fmt.Sprintf("Live sessions: %d\n", len(r.deps.Registry.Live())))
	if ch, err := r.deps.Store.Setting(ctx, settingForcedChannel); err == nil && ch != "" {
		b.WriteString("Forced channel: " + ch + "\n")
	}
	return b.String()
}

func (r *Router) adminMenuKeyboard() *kit.SendOptions {
	return keyboard(
		[]tele.InlineButton{btn("✅ Activate", "adm:act"), btn("⛔ Revoke", "adm:rev")},
		[]tele.InlineButton{btn("📬 Announce", "adm:ann"), btn("📢 Set channel", "adm:chan")},
		[]tele.InlineButton{btn("« Menu", "menu:main")},
	)
}

func (r *Router) sendAdminMenu(ctx context.Context, chat kit.ChatTarget) {
	if _, err := r.deps.Adapter.SendText(ctx, chat, r.adminMenuText(ctx), r.adminMenuKeyboard()); err != nil {
		r.log.Warn("admin menu send failed", logx.Err(err))
	}
}

func (r *Router) cbAdmin(ctx context.Context, chat kit.ChatTarget, ref kit.MessageRef, arg string) (string, error) {
	switch {
	case arg == "panel":
		return "", r.deps.Adapter.EditText(ctx, ref, r.adminMenuText(ctx), r.adminMenuKeyboard())

	case arg == "act":
		r.setConversation(chat.ChatID, &conversation{await: awaitAdminActivateUser})
		r.reply(ctx, chat, "Send the user ID to activate.")
		return "", nil

	case strings.HasPrefix(arg, "act:"):
		// Quick-activate from an activation request message.
		uid, err := strconv.ParseInt(strings.TrimPrefix(arg, "act:"), 10, 64)
		if err != nil {
			return "Bad user ID.", nil
		}
		r.setConversation(chat.ChatID, &conversation{await: awaitAdminActivateDays, targetUser: uid})
		r.reply(ctx, chat, fmt.Sprintf("Activating %d. For how many days?", uid))
		return "", nil

	case arg == "rev":
		r.setConversation(chat.ChatID, &conversation{await: awaitAdminRevokeUser})
		r.reply(ctx, chat, "Send the user ID to revoke.")
		return "", nil

	case arg == "ann":
		r.setConversation(chat.ChatID, &conversation{await: awaitAdminAnnounce})
		r.reply(ctx, chat, "Send the announcement. It goes to every user who has talked to the bot.")
		return "", nil

	case arg == "chan":
		r.setConversation(chat.ChatID, &conversation{await: awaitAdminChannel})
		r.reply(ctx, chat, "Send the channel username (e.g. @mychannel), or \"off\" to disable.")
		return "", nil
	}
	return "Unknown admin action.", nil
}

func (r *Router) adminActivate(ctx context.Context, chat kit.ChatTarget, userID int64, days int) {
	tid := strconv.FormatInt(userID, 10)
	if err := r.deps.Entitle.Activate(ctx, tid, days); err != nil {
		r.log.Warn("activate failed", logx.String("tenant", tid), logx.Err(err))
		r.reply(ctx, chat, "Activation failed.")
		return
	}
	r.reply(ctx, chat, fmt.Sprintf("Activated %d for %d day(s).", userID, days))
	r.reply(ctx, kit.ChatTarget{ChatID: userID},
		fmt.Sprintf("🎉 Your subscription is active for %d day(s). Tap /start to begin.", days))
}

func (r *Router) adminRevoke(ctx context.Context, chat kit.ChatTarget, userID int64) {
	tid := strconv.FormatInt(userID, 10)
	if err := r.deps.Entitle.Revoke(ctx, tid); err != nil {
		r.log.Warn("revoke failed", logx.String("tenant", tid), logx.Err(err))
		r.reply(ctx, chat, "Revoke failed.")
		return
	}
	// Tear the session down too; a revoked tenant keeps nothing running.
	if err := r.deps.Registry.Teardown(ctx, tid, "Your subscription was revoked."); err != nil {
		r.log.Warn("teardown after revoke failed", logx.String("tenant", tid), logx.Err(err))
	}
	r.reply(ctx, chat, fmt.Sprintf("Revoked %d.", userID))
}

func (r *Router) adminAnnounce(ctx context.Context, chat kit.ChatTarget, text string) {
	contacts, err := r.deps.Store.Contacts(ctx)
	if err != nil {
		r.log.Warn("contact list failed", logx.Err(err))
		r.reply(ctx, chat, "Could not load the contact list.")
		return
	}
	sent := 0
	for _, tid := range contacts {
		target, ok := chatFromTenant(tid)
		if !ok || target.ChatID == r.deps.AdminUserID {
			continue
		}
		if _, err := r.deps.Adapter.SendText(ctx, target, text, nil); err != nil {
			// Blocked bots and deleted accounts are expected here.
			r.log.Debug("announce send failed", logx.Int64("chat", target.ChatID), logx.Err(err))
			continue
		}
		sent++
	}
	r.reply(ctx, chat, fmt.Sprintf("Announcement delivered to %d of %d contacts.", sent, len(contacts)))
}

func (r *Router) adminSetChannel(ctx context.Context, chat kit.ChatTarget, value string) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "off") || value == "" {
		if err := r.deps.Store.DeleteSetting(ctx, settingForcedChannel); err != nil {
			r.reply(ctx, chat, "Could not clear the channel setting.")
			return
		}
		r.reply(ctx, chat, "Channel prompt disabled.")
		return
	}
	if !strings.HasPrefix(value, "@") {
		value = "@" + value
	}
	if err := r.deps.Store.SetSetting(ctx, settingForcedChannel, value); err != nil {
		r.reply(ctx, chat, "Could not save the channel setting.")
		return
	}
	r.reply(ctx, chat, "Channel prompt set to "+value+".")
}
