package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord JSON error codes the replayer cares about
const (
	jsonErrPayloadTooLarge = 40005
	jsonErrEmptyMessage    = 50006
)

type sendErrorClass int

const (
	sendErrOther sendErrorClass = iota
	sendErrPayloadTooLarge
	sendErrEmptyMessage
)

// classifySendError maps a message send failure onto the handful of API
// error codes that get dedicated handling
func classifySendError(err error) sendErrorClass {
	var rerr *discordgo.RESTError

	if errors.As(err, &rerr) && rerr.Message != nil {
		switch rerr.Message.Code {
		case jsonErrPayloadTooLarge:
			return sendErrPayloadTooLarge
		case jsonErrEmptyMessage:
			return sendErrEmptyMessage
		}
	}

	return sendErrOther
}

// oversizedAttachments splits attachments into replayable ones and those
// above the re-upload ceiling
func oversizedAttachments(atts []*Attachment, maxSize int) (ok, skipped []*Attachment) {
	for _, att := range atts {
		if att.Size > maxSize {
			skipped = append(skipped, att)
			continue
		}

		ok = append(ok, att)
	}

	return ok, skipped
}

const maxEmbedsPerMessage = 10

// skippedNotice renders the warning line for attachments above the
// re-upload ceiling
func skippedNotice(skipped []*Attachment) string {
	var names string

	for i, att := range skipped {
		if i > 0 {
			names += ", "
		}

		names += att.Name
	}

	return "Attachments not restored (too large): " + names
}

// buildMessagePayload converts a manifest message into a send payload.
// The bot's own messages are replayed verbatim. Messages from other
// users are wrapped in an embed carrying the original author, since the
// bot cannot impersonate them.
func buildMessagePayload(msg *Message, botID string, skipped []*Attachment) *discordgo.MessageSend {
	if msg.Author.ID == botID {
		send := &discordgo.MessageSend{
			Content: msg.Content,
			Embeds:  msg.Embeds,
		}

		if len(send.Embeds) > maxEmbedsPerMessage {
			send.Embeds = send.Embeds[:maxEmbedsPerMessage]
		}

		if len(skipped) > 0 {
			if send.Content != "" {
				send.Content += "\n"
			}

			send.Content += skippedNotice(skipped)
		}

		return send
	}

	authorEmbed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    fmt.Sprintf("%s (%s)", msg.Author.Name, msg.Author.ID),
			IconURL: msg.Author.AvatarURL,
		},
		Description: msg.Content,
		Timestamp:   msg.SentAt.Format(time.RFC3339),
	}

	if len(skipped) > 0 {
		authorEmbed.Footer = &discordgo.MessageEmbedFooter{
			Text: skippedNotice(skipped),
		}
	}

	send := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{authorEmbed},
	}

	for _, em := range msg.Embeds {
		if len(send.Embeds) >= maxEmbedsPerMessage {
			break
		}

		send.Embeds = append(send.Embeds, em)
	}

	return send
}

// replayMessages sends manifest messages into the target channel in
// stored (chronological) order. One failed message abandons that message
// only; replay continues with the next. Attachments are re-uploaded one
// per follow-up send to stay under the payload ceiling.
func (e *Engine) replayMessages(ctx context.Context, l *zap.Logger, channelID, snapshotID string, msgs []*Message) {
	for _, msg := range msgs {
		ok, skipped := oversizedAttachments(msg.Attachments, e.Constraints.Restore.MaxAttachmentFileSize)

		send := buildMessagePayload(msg, e.BotUser.ID, skipped)

		if _, err := e.Session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
			e.handleSendError(ctx, l, channelID, msg.ID, "message from "+msg.Author.Name, err)
			time.Sleep(time.Duration(e.Constraints.Restore.SendMessageSleep))
			continue
		}

		time.Sleep(time.Duration(e.Constraints.Restore.SendMessageSleep))

		for _, att := range ok {
			if att.Asset == "" {
				continue
			}

			data, err := e.Store.Assets.Read(snapshotID, att.Asset)

			if err != nil {
				l.Warn("Failed to read attachment asset", zap.String("attachment_id", att.ID), zap.Error(err))
				continue
			}

			follow := &discordgo.MessageSend{
				Files: []*discordgo.File{
					{
						Name:        att.Name,
						ContentType: att.ContentType,
						Reader:      bytes.NewReader(data),
					},
				},
			}

			if _, err := e.Session.ChannelMessageSendComplex(channelID, follow, discordgo.WithContext(ctx)); err != nil {
				e.handleSendError(ctx, l, channelID, msg.ID, "attachment "+att.Name, err)
			}

			time.Sleep(time.Duration(e.Constraints.Restore.AttachmentSleep))
		}
	}
}

// handleSendError logs a failed send according to its error class. Every
// class abandons the send; oversized payloads additionally leave a
// notice in the channel naming what was dropped.
func (e *Engine) handleSendError(ctx context.Context, l *zap.Logger, channelID, messageID, subject string, err error) {
	switch classifySendError(err) {
	case sendErrPayloadTooLarge:
		l.Warn("Payload too large, skipping", zap.String("channel_id", channelID), zap.String("message_id", messageID), zap.String("subject", subject))
		e.sendOversizeNotice(ctx, l, channelID, subject)
	case sendErrEmptyMessage:
		// Nothing renderable survived conversion, drop silently
	default:
		l.Error("Failed to replay message", zap.String("channel_id", channelID), zap.String("message_id", messageID), zap.Error(err))
	}
}

func (e *Engine) sendOversizeNotice(ctx context.Context, l *zap.Logger, channelID, subject string) {
	notice := &discordgo.MessageSend{
		Content: "Not restored (too large): " + subject,
	}

	if _, err := e.Session.ChannelMessageSendComplex(channelID, notice, discordgo.WithContext(ctx)); err != nil {
		l.Warn("Failed to send oversize notice", zap.String("channel_id", channelID), zap.Error(err))
	}
}
