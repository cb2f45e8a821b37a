package router

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"wabridge/internal/broadcast"
	"wabridge/internal/network"
	"wabridge/internal/replies"
	"wabridge/internal/session"
	kit "wabridge/internal/transport"
	logx "wabridge/pkg/logx"
)

// awaitKind marks what free-text input a chat owes us next.
type awaitKind int

const (
	awaitNone awaitKind = iota
	awaitPhone
	awaitBroadcastContent
	awaitBroadcastRepeat
	awaitReplyKeyword
	awaitReplyResponse
	awaitReplyRemove
	awaitAdminActivateUser
	awaitAdminActivateDays
	awaitAdminRevokeUser
	awaitAdminAnnounce
	awaitAdminChannel
)

// conversation is the pending multi-step input for one chat. Scratch
// fields accumulate across steps and are dropped on completion or
// /cancel.
type conversation struct {
	await awaitKind

	// broadcast flow
	payload broadcast.Payload
	pace    time.Duration

	// reply-rule flow
	keyword string

	// admin activate flow
	targetUser int64
}

func (r *Router) conversation(chatID int64) *conversation {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	return r.conv[chatID]
}

func (r *Router) setConversation(chatID int64, st *conversation) {
	r.convMu.Lock()
	r.conv[chatID] = st
	r.convMu.Unlock()
}

func (r *Router) clearConversation(chatID int64) {
	r.convMu.Lock()
	delete(r.conv, chatID)
	r.convMu.Unlock()
}

func (r *Router) handleAwaitedInput(ctx context.Context, chat kit.ChatTarget, m *kit.Message, st *conversation) {
	text := strings.TrimSpace(m.Text)

	switch st.await {
	case awaitPhone:
		r.clearConversation(m.ChatID)
		phone := strings.Map(func(c rune) rune {
			if c >= '0' && c <= '9' {
				return c
			}
			return -1
		}, text)
		if len(phone) < 7 {
			r.reply(ctx, chat, "That doesn't look like a phone number. Tap Connect to start over.")
			return
		}
		r.startConnect(ctx, chat, m.FromID, session.ConnectOptions{Phone: phone})

	case awaitBroadcastContent:
		payload, err := r.payloadFromMessage(ctx, m)
		if err != nil {
			r.reply(ctx, chat, "Send text, a photo or a video to broadcast.")
			return
		}
		st.payload = payload
		st.await = awaitNone
		r.setConversation(m.ChatID, st)
		r.sendPacePicker(ctx, chat)

	case awaitBroadcastRepeat:
		mins, err := strconv.Atoi(text)
		if err != nil || mins < 1 {
			r.reply(ctx, chat, "Send the repeat interval as whole minutes, e.g. 30.")
			return
		}
		r.clearConversation(m.ChatID)
		r.submitBroadcast(ctx, chat, m.FromID, st, time.Duration(mins)*time.Minute)

	case awaitReplyKeyword:
		if text == "" {
			r.reply(ctx, chat, "Send the keyword that should trigger the reply.")
			return
		}
		st.keyword = text
		st.await = awaitReplyResponse
		r.setConversation(m.ChatID, st)
		r.reply(ctx, chat, "Now send the response for \""+text+"\".")

	case awaitReplyResponse:
		r.clearConversation(m.ChatID)
		if text == "" {
			r.reply(ctx, chat, "Empty response; rule not saved.")
			return
		}
		rule := replies.Rule{TenantID: tenantID(m.FromID), Keyword: st.keyword, Response: text}
		if err := r.deps.Replies.Add(ctx, rule); err != nil {
			r.log.Warn("reply rule add failed", logx.Err(err))
			r.reply(ctx, chat, "Could not save the rule. Try again.")
			return
		}
		r.reply(ctx, chat, "Saved: \""+st.keyword+"\" now gets an automatic reply.")

	case awaitReplyRemove:
		r.clearConversation(m.ChatID)
		if text == "" {
			r.reply(ctx, chat, "Empty keyword; nothing removed.")
			return
		}
		n, err := r.deps.Replies.RemoveByKeyword(ctx, tenantID(m.FromID), text)
		if err != nil {
			r.log.Warn("reply rule remove failed", logx.Err(err))
			r.reply(ctx, chat, "Could not remove the rule. Try again.")
			return
		}
		if n == 0 {
			r.reply(ctx, chat, "No rule matches \""+text+"\".")
			return
		}
		r.reply(ctx, chat, "Removed.")

	case awaitAdminActivateUser:
		uid, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			r.reply(ctx, chat, "Send the numeric Telegram user ID.")
			return
		}
		st.targetUser = uid
		st.await = awaitAdminActivateDays
		r.setConversation(m.ChatID, st)
		r.reply(ctx, chat, "For how many days?")

	case awaitAdminActivateDays:
		days, err := strconv.Atoi(text)
		if err != nil || days < 1 {
			r.reply(ctx, chat, "Send a whole number of days.")
			return
		}
		r.clearConversation(m.ChatID)
		r.adminActivate(ctx, chat, st.targetUser, days)

	case awaitAdminRevokeUser:
		uid, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			r.reply(ctx, chat, "Send the numeric Telegram user ID.")
			return
		}
		r.clearConversation(m.ChatID)
		r.adminRevoke(ctx, chat, uid)

	case awaitAdminAnnounce:
		r.clearConversation(m.ChatID)
		if text == "" {
			r.reply(ctx, chat, "Empty announcement; nothing sent.")
			return
		}
		r.adminAnnounce(ctx, chat, text)

	case awaitAdminChannel:
		r.clearConversation(m.ChatID)
		r.adminSetChannel(ctx, chat, text)

	default:
		r.clearConversation(m.ChatID)
	}
}

// payloadFromMessage turns an inbound Telegram message into a broadcast
// payload, downloading attached media.
func (r *Router) payloadFromMessage(ctx context.Context, m *kit.Message) (broadcast.Payload, error) {
	var ref *kit.MediaRef
	switch {
	case m.Photo != nil:
		ref = m.Photo
	case m.Video != nil:
		ref = m.Video
	}
	if ref == nil {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return broadcast.Payload{}, errors.New("router: message carries no payload")
		}
		return broadcast.Payload{Text: text}, nil
	}

	data, err := r.deps.Adapter.Download(ctx, *ref)
	if err != nil {
		return broadcast.Payload{}, err
	}
	return broadcast.Payload{
		Text:  strings.TrimSpace(m.Text),
		Media: &network.Media{MIME: ref.MIME, Data: data},
	}, nil
}
