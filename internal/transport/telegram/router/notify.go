package router

import (
	"context"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	tele "gopkg.in/telebot.v4"

	"wabridge/internal/eventbus"
	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

// handleNotification renders engine events into the tenant's chat. The
// tenant ID doubles as the Telegram chat ID, so routing is a parse.
func (r *Router) handleNotification(ctx context.Context, e eventbus.Event) {
	switch data := e.Data.(type) {
	case eventbus.PairingReady:
		chat, ok := chatFromTenant(data.TenantID)
		if !ok {
			return
		}
		r.sendPairing(ctx, chat, data)

	case eventbus.Connected:
		chat, ok := chatFromTenant(data.TenantID)
		if !ok {
			return
		}
		r.reply(ctx, chat, "✅ Connected. Open Destinations to pick where to broadcast.")

	case eventbus.Disconnected:
		chat, ok := chatFromTenant(data.TenantID)
		if !ok {
			return
		}
		text := data.Reason
		if text == "" {
			text = "Session disconnected."
		}
		if data.Reauth {
			r.sendWithConnectButton(ctx, chat, "⚠️ "+text)
			return
		}
		r.reply(ctx, chat, "⚠️ "+text)

	case eventbus.BroadcastProgress:
		r.updateProgress(ctx, data)

	case eventbus.BroadcastFinished:
		r.finishProgress(ctx, data)
	}
}

func (r *Router) sendPairing(ctx context.Context, chat kit.ChatTarget, data eventbus.PairingReady) {
	if data.Code != "" {
		r.reply(ctx, chat, "Your pairing code: "+data.Code+"\nEnter it on your phone under Linked Devices.")
		return
	}
	png, err := qrcode.Encode(data.QR, qrcode.Medium, 512)
	if err != nil {
		r.log.Warn("qr render failed", logx.Err(err))
		// Fall back to the raw payload; some clients can still scan it
		// from a QR app.
		r.reply(ctx, chat, "Pairing payload:\n"+data.QR)
		return
	}
	caption := "Scan this with WhatsApp: Settings → Linked Devices → Link a Device."
	if _, err := r.deps.Adapter.SendPhoto(ctx, chat, png, caption, nil); err != nil {
		r.log.Warn("qr send failed", logx.Int64("chat", chat.ChatID), logx.Err(err))
	}
}

func (r *Router) sendWithConnectButton(ctx context.Context, chat kit.ChatTarget, text string) {
	_, err := r.deps.Adapter.SendText(ctx, chat, text,
		keyboard([]tele.InlineButton{btn("🔌 Connect", "connect:ask")}))
	if err != nil {
		r.log.Warn("send failed", logx.Int64("chat", chat.ChatID), logx.Err(err))
	}
}

func (r *Router) updateProgress(ctx context.Context, data eventbus.BroadcastProgress) {
	r.progMu.Lock()
	view, ok := r.progress[data.JobID]
	r.progMu.Unlock()
	if !ok || !view.limit.Allow() {
		return
	}
	text := fmt.Sprintf("Broadcast running: %d/%d sent.", data.Sent, view.total)
	err := r.deps.Adapter.EditText(ctx, view.ref, text,
		keyboard([]tele.InlineButton{btn("⏹ Stop", "bc:stop")}))
	if err != nil {
		r.log.Debug("progress edit failed", logx.Err(err))
	}
}

func (r *Router) finishProgress(ctx context.Context, data eventbus.BroadcastFinished) {
	r.progMu.Lock()
	view, ok := r.progress[data.JobID]
	delete(r.progress, data.JobID)
	r.progMu.Unlock()

	text := fmt.Sprintf("Broadcast finished: %d sent of %d attempted.", data.Sent, data.Attempted)
	if data.Cancelled {
		text = fmt.Sprintf("Broadcast stopped: %d sent of %d attempted.", data.Sent, data.Attempted)
	}
	if ok {
		if err := r.deps.Adapter.EditText(ctx, view.ref, text, nil); err == nil {
			return
		}
	}
	if chat, okc := chatFromTenant(data.TenantID); okc {
		r.reply(ctx, chat, text)
	}
}
