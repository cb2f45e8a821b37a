package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"wabridge/internal/broadcast"
	"wabridge/internal/session"
	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

// progressView is the live progress message of one broadcast job. Edits
// are throttled so a fast job doesn't hammer the Telegram API.
type progressView struct {
	chat  kit.ChatTarget
	ref   kit.MessageRef
	total int
	limit *rate.Limiter
}

func (r *Router) cbBroadcast(ctx context.Context, chat kit.ChatTarget, ref kit.MessageRef, userID int64, arg string) (string, error) {
	tid := tenantID(userID)

	switch {
	case arg == "start":
		s, ok := r.deps.Registry.Get(tid)
		if !ok || s.Status() != session.Connected {
			r.reply(ctx, chat, "Connect first, then pick destinations and broadcast.")
			return "", nil
		}
		if len(s.Selected()) == 0 {
			r.reply(ctx, chat, "No destinations selected. Open Destinations first.")
			return "", nil
		}
		if r.deps.Broadcast.Running(tid) {
			return "A broadcast is already running.", nil
		}
		r.setConversation(chat.ChatID, &conversation{await: awaitBroadcastContent})
		r.reply(ctx, chat, "Send the broadcast content: text, a photo or a video (caption allowed).")
		return "", nil

	case arg == "pace:slow", arg == "pace:normal", arg == "pace:fast":
		st := r.conversation(chat.ChatID)
		if st == nil || st.payload.Text == "" && st.payload.Media == nil {
			return "Start the broadcast flow first.", nil
		}
		switch arg {
		case "pace:fast":
			st.pace = 300 * time.Millisecond
		case "pace:normal":
			st.pace = time.Second
		case "pace:slow":
			st.pace = 3 * time.Second
		}
		st.await = awaitNone
		r.setConversation(chat.ChatID, st)
		return "", r.deps.Adapter.EditText(ctx, ref, "Repeat the broadcast?", keyboard(
			[]tele.InlineButton{btn("Once", "bc:rep:0"), btn("Every 30m", "bc:rep:30")},
			[]tele.InlineButton{btn("Every 1h", "bc:rep:60"), btn("Every 6h", "bc:rep:360")},
			[]tele.InlineButton{btn("Custom…", "bc:rep:custom")},
		))

	case arg == "rep:custom":
		st := r.conversation(chat.ChatID)
		if st == nil {
			return "Start the broadcast flow first.", nil
		}
		st.await = awaitBroadcastRepeat
		r.setConversation(chat.ChatID, st)
		r.reply(ctx, chat, "Send the repeat interval in minutes.")
		return "", nil

	case len(arg) > 4 && arg[:4] == "rep:":
		st := r.conversation(chat.ChatID)
		if st == nil {
			return "Start the broadcast flow first.", nil
		}
		mins, err := strconv.Atoi(arg[4:])
		if err != nil || mins < 0 {
			return "Bad interval.", nil
		}
		r.clearConversation(chat.ChatID)
		r.submitBroadcast(ctx, chat, userID, st, time.Duration(mins)*time.Minute)
		return "", nil

	case arg == "stop":
		if r.deps.Broadcast.Cancel(tid) {
			return "Stopping after the current message.", nil
		}
		return "Nothing is running.", nil
	}
	return "", nil
}

func (r *Router) sendPacePicker(ctx context.Context, chat kit.ChatTarget) {
	_, err := r.deps.Adapter.SendText(ctx, chat, "How fast should messages go out?", keyboard(
		[]tele.InlineButton{btn("Fast (0.3s)", "bc:pace:fast"), btn("Normal (1s)", "bc:pace:normal")},
		[]tele.InlineButton{btn("Slow (3s)", "bc:pace:slow")},
	))
	if err != nil {
		r.log.Warn("pace picker send failed", logx.Err(err))
	}
}

func (r *Router) submitBroadcast(ctx context.Context, chat kit.ChatTarget, userID int64, st *conversation, repeat time.Duration) {
	tid := tenantID(userID)
	s, ok := r.deps.Registry.Get(tid)
	if !ok {
		r.reply(ctx, chat, "Session is gone. Connect again.")
		return
	}
	dests := s.Selected()

	job, err := r.deps.Broadcast.Submit(s, dests, st.payload, broadcast.Options{
		Pace:        st.pace,
		RepeatEvery: repeat,
	})
	if err != nil {
		switch {
		case errors.Is(err, broadcast.ErrJobRunning):
			r.reply(ctx, chat, "A broadcast is already running. Stop it first.")
		case errors.Is(err, broadcast.ErrNoDestinations):
			r.reply(ctx, chat, "No destinations selected.")
		case errors.Is(err, broadcast.ErrTargetNotReady):
			r.reply(ctx, chat, "Session dropped. Connect again before broadcasting.")
		default:
			r.log.Warn("broadcast submit failed", logx.String("tenant", tid), logx.Err(err))
			r.reply(ctx, chat, "Could not start the broadcast.")
		}
		return
	}

	text := fmt.Sprintf("Broadcast started: 0/%d sent.", len(dests))
	if repeat > 0 {
		text += fmt.Sprintf(" Repeats every %s until stopped.", repeat)
	}
	ref, err := r.deps.Adapter.SendText(ctx, chat, text,
		keyboard([]tele.InlineButton{btn("⏹ Stop", "bc:stop")}))
	if err != nil {
		r.log.Warn("progress message send failed", logx.Err(err))
		return
	}

	r.progMu.Lock()
	r.progress[job.ID()] = &progressView{
		chat:  chat,
		ref:   ref,
		total: len(dests),
		limit: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	r.progMu.Unlock()
}
