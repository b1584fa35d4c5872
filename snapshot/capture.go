package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"slices"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/bwmarrin/discordgo"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// historyFetch returns one page of channel history before the given
// message id, newest first. Abstracted for pagination tests.
type historyFetch func(beforeID string, limit int) ([]*discordgo.Message, error)

// Capture walks the live guild object graph, downloads binary assets into
// the per-snapshot asset subtree and persists a manifest. Per-entity
// failures are logged and the entity omitted or partially captured;
// Capture fails only when storage itself is unusable.
func (e *Engine) Capture(ctx context.Context, guildID, creatorID string, opts CaptureOpts) (*Manifest, error) {
	release, err := e.acquireGuild(guildID)

	if err != nil {
		return nil, err
	}

	defer release()

	if err := e.validateCaptureOpts(&opts); err != nil {
		return nil, err
	}

	l := e.Logger.With(zap.String("guild_id", guildID))

	id := newSnapshotID()

	m := &Manifest{
		ID:            id,
		GuildID:       guildID,
		CreatedAt:     time.Now(),
		CreatorID:     creatorID,
		FormatVersion: FormatVersion,
	}

	l.Info("Fetching guild object")

	g, err := e.Session.Guild(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return nil, fmt.Errorf("error fetching guild: %w", err)
	}

	if len(g.Channels) == 0 {
		channels, err := e.Session.GuildChannels(guildID, discordgo.WithContext(ctx))

		if err != nil {
			return nil, fmt.Errorf("error fetching channels: %w", err)
		}

		g.Channels = channels
	}

	if len(g.Roles) == 0 {
		roles, err := e.Session.GuildRoles(guildID, discordgo.WithContext(ctx))

		if err != nil {
			return nil, fmt.Errorf("error fetching roles: %w", err)
		}

		g.Roles = roles
	}

	m.GuildName = g.Name
	m.Settings = captureSettings(g)

	l.Info("Capturing roles", zap.Int("count", len(g.Roles)))
	m.Roles = e.captureRoles(ctx, l, id, g)

	l.Info("Capturing emojis")
	m.Emojis = e.captureEmojis(ctx, l, id, guildID)

	l.Info("Capturing stickers")
	m.Stickers = e.captureStickers(ctx, l, id, guildID)

	l.Info("Capturing channels", zap.Int("count", len(g.Channels)))
	m.Channels = e.captureChannels(ctx, l, id, g, opts)

	m.Webhooks = e.captureWebhooks(ctx, l, m.Channels)

	// Guild icon/banner are re-encoded to jpeg so restore can upload them
	// without caring about the original format
	if g.Icon != "" {
		e.captureGuildAsset(ctx, l, id, "guildIcon.jpg", g.IconURL("1024"))
	}

	if g.Banner != "" {
		e.captureGuildAsset(ctx, l, id, "guildBanner.jpg", g.BannerURL("1024"))
	}

	if err := e.Store.Save(m); err != nil {
		return nil, err
	}

	e.mirrorArchive(ctx, id)

	l.Info("Snapshot captured", zap.String("id", id), zap.Int("roles", len(m.Roles)), zap.Int("channels", len(m.Channels)))

	return m, nil
}

func (e *Engine) validateCaptureOpts(opts *CaptureOpts) error {
	c := e.Constraints.Capture

	if opts.MaxMessages == 0 {
		opts.MaxMessages = c.TotalMaxMessages
	}

	if opts.PerChannel == 0 {
		opts.PerChannel = c.DefaultPerChannel
	}

	if opts.PerChannel < c.MinPerChannel {
		return fmt.Errorf("per_channel cannot be less than %d", c.MinPerChannel)
	}

	if opts.MaxMessages > c.TotalMaxMessages {
		return fmt.Errorf("max_messages cannot be greater than %d", c.TotalMaxMessages)
	}

	if opts.PerChannel > opts.MaxMessages {
		return fmt.Errorf("per_channel cannot be greater than max_messages")
	}

	if opts.SpecialAllocations == nil {
		opts.SpecialAllocations = make(map[string]int)
	}

	return nil
}

func captureSettings(g *discordgo.Guild) GuildSettings {
	return GuildSettings{
		Name:                   g.Name,
		Description:            g.Description,
		IconURL:                g.IconURL("1024"),
		BannerURL:              g.BannerURL("1024"),
		VerificationLevel:      int(g.VerificationLevel),
		ContentFilterLevel:     int(g.ExplicitContentFilter),
		DefaultNotifications:   int(g.DefaultMessageNotifications),
		AfkChannelID:           g.AfkChannelID,
		AfkTimeout:             g.AfkTimeout,
		SystemChannelID:        g.SystemChannelID,
		RulesChannelID:         g.RulesChannelID,
		PublicUpdatesChannelID: g.PublicUpdatesChannelID,
	}
}

// captureRoles records every role except the implicit everyone role,
// highest position first
func (e *Engine) captureRoles(ctx context.Context, l *zap.Logger, snapshotID string, g *discordgo.Guild) []*Role {
	roles := make([]*discordgo.Role, 0, len(g.Roles))

	for _, r := range g.Roles {
		if r.ID == g.ID {
			continue // @everyone
		}

		roles = append(roles, r)
	}

	slices.SortFunc(roles, func(a, b *discordgo.Role) int {
		return b.Position - a.Position
	})

	out := make([]*Role, 0, len(roles))

	for _, r := range roles {
		rec := &Role{
			ID:          r.ID,
			Name:        r.Name,
			Color:       r.Color,
			Hoist:       r.Hoist,
			Mentionable: r.Mentionable,
			Permissions: r.Permissions,
			Position:    r.Position,
		}

		if r.Icon != "" {
			url := fmt.Sprintf("%srole-icons/%s/%s.png", discordgo.EndpointCDN, r.ID, r.Icon)

			data, err := e.downloadAsset(ctx, url)

			if err != nil {
				l.Warn("Failed to download role icon", zap.String("role_id", r.ID), zap.Error(err))
			} else if rel, err := e.Store.Assets.Save(snapshotID, r.ID+".png", data); err != nil {
				l.Warn("Failed to save role icon", zap.String("role_id", r.ID), zap.Error(err))
			} else {
				rec.IconAsset = rel
			}
		}

		out = append(out, rec)
	}

	return out
}

func (e *Engine) captureEmojis(ctx context.Context, l *zap.Logger, snapshotID, guildID string) []*Emoji {
	emojis, err := e.Session.GuildEmojis(guildID, discordgo.WithContext(ctx))

	if err != nil {
		l.Warn("Failed to enumerate emojis", zap.Error(err))
		return nil
	}

	out := make([]*Emoji, 0, len(emojis))

	for _, em := range emojis {
		rec := &Emoji{
			ID:       em.ID,
			Name:     em.Name,
			Animated: em.Animated,
			Managed:  em.Managed,
		}

		ext := "png"

		if em.Animated {
			ext = "gif"
		}

		data, err := e.downloadAsset(ctx, discordgo.EndpointCDN+"emojis/"+em.ID+"."+ext)

		if err != nil {
			l.Warn("Failed to download emoji", zap.String("emoji_id", em.ID), zap.Error(err))
		} else if rel, err := e.Store.Assets.Save(snapshotID, em.ID+"."+ext, data); err != nil {
			l.Warn("Failed to save emoji", zap.String("emoji_id", em.ID), zap.Error(err))
		} else {
			rec.Asset = rel
		}

		out = append(out, rec)
	}

	return out
}

// fetchGuildStickers enumerates guild stickers through the raw REST
// endpoint
func (e *Engine) fetchGuildStickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error) {
	body, err := e.Session.Request("GET", discordgo.EndpointGuildStickers(guildID), nil, discordgo.WithContext(ctx))

	if err != nil {
		return nil, fmt.Errorf("error fetching stickers: %w", err)
	}

	var stickers []*discordgo.Sticker

	if err := json.Unmarshal(body, &stickers); err != nil {
		return nil, fmt.Errorf("error parsing stickers: %w", err)
	}

	return stickers, nil
}

func (e *Engine) captureStickers(ctx context.Context, l *zap.Logger, snapshotID, guildID string) []*Sticker {
	stickers, err := e.fetchGuildStickers(ctx, guildID)

	if err != nil {
		l.Warn("Failed to enumerate stickers", zap.Error(err))
		return nil
	}

	out := make([]*Sticker, 0, len(stickers))

	for _, st := range stickers {
		rec := &Sticker{
			ID:          st.ID,
			Name:        st.Name,
			Description: st.Description,
			FormatType:  int(st.FormatType),
		}

		ext := stickerExt(int(st.FormatType))

		data, err := e.downloadAsset(ctx, discordgo.EndpointCDN+"stickers/"+st.ID+"."+ext)

		if err != nil {
			l.Warn("Failed to download sticker", zap.String("sticker_id", st.ID), zap.Error(err))
		} else if rel, err := e.Store.Assets.Save(snapshotID, st.ID+"."+ext, data); err != nil {
			l.Warn("Failed to save sticker", zap.String("sticker_id", st.ID), zap.Error(err))
		} else {
			rec.Asset = rel
		}

		out = append(out, rec)
	}

	return out
}

func stickerExt(formatType int) string {
	switch formatType {
	case 3: // lottie
		return "json"
	case 4: // gif
		return "gif"
	default:
		return "png"
	}
}

func (e *Engine) captureChannels(ctx context.Context, l *zap.Logger, snapshotID string, g *discordgo.Guild, opts CaptureOpts) []*Channel {
	eligible := make([]*discordgo.Channel, 0, len(g.Channels))

	for _, c := range g.Channels {
		if _, ok := channelKind(c.Type); !ok {
			continue
		}

		if len(opts.Channels) > 0 && !slices.Contains(opts.Channels, c.ID) && c.Type != discordgo.ChannelTypeGuildCategory {
			continue
		}

		eligible = append(eligible, c)
	}

	slices.SortFunc(eligible, func(a, b *discordgo.Channel) int {
		return a.Position - b.Position
	})

	out := make([]*Channel, 0, len(eligible))
	byID := make(map[string]*Channel, len(eligible))

	for _, c := range eligible {
		kind, _ := channelKind(c.Type)

		rec := &Channel{
			ID:               c.ID,
			Name:             c.Name,
			Kind:             kind,
			Position:         c.Position,
			ParentID:         c.ParentID,
			Topic:            c.Topic,
			NSFW:             c.NSFW,
			Bitrate:          c.Bitrate,
			UserLimit:        c.UserLimit,
			SlowModeInterval: c.RateLimitPerUser,
			Overwrites:       captureOverwrites(c.PermissionOverwrites),
		}

		out = append(out, rec)
		byID[c.ID] = rec
	}

	// Threads are enumerated guild-wide and attached to their parents
	threadsByParent := e.captureActiveThreads(ctx, l, g.ID)

	for parentID, threads := range threadsByParent {
		if parent, ok := byID[parentID]; ok {
			parent.Threads = threads
		}
	}

	if opts.IncludeMessages {
		e.captureMessages(ctx, l, snapshotID, out, opts)
	}

	return out
}

func captureOverwrites(overwrites []*discordgo.PermissionOverwrite) []*Overwrite {
	out := make([]*Overwrite, 0, len(overwrites))

	for _, ow := range overwrites {
		out = append(out, &Overwrite{
			ID:    ow.ID,
			Type:  ow.Type,
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}

	return out
}

func (e *Engine) captureActiveThreads(ctx context.Context, l *zap.Logger, guildID string) map[string][]*Thread {
	tl, err := e.Session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))

	if err != nil {
		l.Warn("Failed to enumerate active threads", zap.Error(err))
		return nil
	}

	byParent := make(map[string][]*Thread)

	for _, t := range tl.Threads {
		th := &Thread{
			ID:   t.ID,
			Name: t.Name,
		}

		if t.ThreadMetadata != nil {
			th.AutoArchiveDuration = t.ThreadMetadata.AutoArchiveDuration
		}

		byParent[t.ParentID] = append(byParent[t.ParentID], th)
	}

	return byParent
}

// captureMessages distributes the message quota across text channels and
// pages backwards through each channel's (and thread's) history
func (e *Engine) captureMessages(ctx context.Context, l *zap.Logger, snapshotID string, channels []*Channel, opts CaptureOpts) {
	allocs := createChannelAllocations(channels, opts)

	var total int

	capture := func(channelID string, allocation int) int {
		ch := findChannel(channels, channelID)

		if ch == nil || allocation == 0 {
			return 0
		}

		l.Info("Capturing channel messages", zap.String("channel_id", channelID), zap.Int("allocation", allocation))

		fetch := func(beforeID string, limit int) ([]*discordgo.Message, error) {
			return e.Session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
		}

		raw, err := collectChannelMessages(fetch, e.BotUser.ID, allocation, e.Constraints.Capture.MaxHistoryPages)

		if err != nil {
			// One unreadable channel never aborts the capture
			l.Warn("Failed to capture channel messages", zap.String("channel_id", channelID), zap.Error(err))
		}

		ch.Messages = e.convertMessages(ctx, l, snapshotID, channelID, raw)

		for _, th := range ch.Threads {
			tfetch := func(beforeID string, limit int) ([]*discordgo.Message, error) {
				return e.Session.ChannelMessages(th.ID, limit, beforeID, "", "", discordgo.WithContext(ctx))
			}

			traw, err := collectChannelMessages(tfetch, e.BotUser.ID, opts.PerChannel, e.Constraints.Capture.MaxHistoryPages)

			if err != nil {
				l.Warn("Failed to capture thread messages", zap.String("thread_id", th.ID), zap.Error(err))
			}

			th.Messages = e.convertMessages(ctx, l, snapshotID, th.ID, traw)
		}

		return len(ch.Messages)
	}

	for pair := allocs.Oldest(); pair != nil; pair = pair.Next() {
		total += capture(pair.Key, pair.Value)
	}

	// Roll leftover quota over to channels that received none
	if opts.RolloverLeftovers && total < opts.MaxMessages {
		for pair := allocs.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value != 0 {
				continue
			}

			total += capture(pair.Key, opts.PerChannel)

			if total >= opts.MaxMessages {
				break
			}
		}
	}
}

// createChannelAllocations assigns a message quota to each text channel,
// special allocations first, preserving channel order
func createChannelAllocations(channels []*Channel, opts CaptureOpts) *orderedmap.OrderedMap[string, int] {
	allocs := orderedmap.New[string, int]()

	var allocated int

	for _, ch := range channels {
		if ch.Kind != ChannelKindText {
			continue
		}

		if special, ok := opts.SpecialAllocations[ch.ID]; ok && allocated < opts.MaxMessages {
			allocs.Set(ch.ID, special)
			allocated += special
			continue
		}

		if allocated >= opts.MaxMessages {
			// Keep the channel in the map so rollover can still reach it
			allocs.Set(ch.ID, 0)
			continue
		}

		allocs.Set(ch.ID, opts.PerChannel)
		allocated += opts.PerChannel
	}

	return allocs
}

func findChannel(channels []*Channel, id string) *Channel {
	for _, c := range channels {
		if c.ID == id {
			return c
		}
	}

	return nil
}

// collectChannelMessages pages backward through channel history. It stops
// on an empty page, on a page whose oldest message id repeats the previous
// page's oldest id (no forward progress), on a hard page ceiling, or once
// the allocation is filled. Messages from automated accounts other than
// the bot itself are skipped. The result is newest first.
func collectChannelMessages(fetch historyFetch, botID string, allocation, maxPages int) ([]*discordgo.Message, error) {
	var out []*discordgo.Message
	var beforeID string
	var prevOldest string

	for page := 0; page < maxPages; page++ {
		if len(out) >= allocation {
			break
		}

		limit := min(100, allocation-len(out))

		msgs, err := fetch(beforeID, limit)

		if err != nil {
			return out, fmt.Errorf("error fetching messages: %w", err)
		}

		if len(msgs) == 0 {
			break
		}

		oldest := msgs[len(msgs)-1].ID

		if oldest == prevOldest {
			// Pagination is not making progress, bail out
			break
		}

		for _, msg := range msgs {
			if msg.Author != nil && msg.Author.Bot && msg.Author.ID != botID {
				continue
			}

			out = append(out, msg)
		}

		if len(msgs) < limit {
			break
		}

		prevOldest = oldest
		beforeID = oldest
	}

	return out, nil
}

// convertMessages turns newest-first API messages into oldest-first
// manifest records, downloading attachments and fetching reactor lists
func (e *Engine) convertMessages(ctx context.Context, l *zap.Logger, snapshotID, channelID string, raw []*discordgo.Message) []*Message {
	out := make([]*Message, 0, len(raw))

	// Reverse into chronological order for faithful replay
	for i := len(raw) - 1; i >= 0; i-- {
		msg := raw[i]

		rec := &Message{
			ID:      msg.ID,
			Content: msg.Content,
			SentAt:  msg.Timestamp,
			Pinned:  msg.Pinned,
			Embeds:  msg.Embeds,
		}

		if msg.EditedTimestamp != nil {
			rec.EditedAt = msg.EditedTimestamp
		}

		if msg.Author != nil {
			rec.Author = Author{
				ID:        msg.Author.ID,
				Name:      msg.Author.Username,
				AvatarURL: msg.Author.AvatarURL(""),
				Bot:       msg.Author.Bot,
			}
		}

		for _, u := range msg.Mentions {
			rec.Mentions = append(rec.Mentions, u.ID)
		}

		for _, att := range msg.Attachments {
			rec.Attachments = append(rec.Attachments, e.captureAttachment(ctx, l, snapshotID, att))
		}

		for _, r := range msg.Reactions {
			rec.Reactions = append(rec.Reactions, e.captureReaction(ctx, l, channelID, msg.ID, r))
		}

		out = append(out, rec)
	}

	return out
}

func (e *Engine) captureAttachment(ctx context.Context, l *zap.Logger, snapshotID string, att *discordgo.MessageAttachment) *Attachment {
	rec := &Attachment{
		ID:          att.ID,
		Name:        att.Filename,
		URL:         att.URL,
		Size:        att.Size,
		ContentType: att.ContentType,
		Width:       att.Width,
		Height:      att.Height,
	}

	if att.Size > e.Constraints.Capture.MaxAttachmentFileSize {
		l.Warn("Attachment too large to save", zap.String("attachment_id", att.ID), zap.Int("size", att.Size))
		return rec
	}

	url := att.URL

	if att.ProxyURL != "" {
		url = att.ProxyURL
	}

	data, err := e.downloadAsset(ctx, url)

	if err != nil {
		l.Warn("Failed to download attachment", zap.String("attachment_id", att.ID), zap.Error(err))
		return rec
	}

	rel, err := e.Store.Assets.Save(snapshotID, att.ID+"."+assetExt(att.ContentType, att.Filename), data)

	if err != nil {
		l.Warn("Failed to save attachment", zap.String("attachment_id", att.ID), zap.Error(err))
		return rec
	}

	rec.Asset = rel

	return rec
}

func (e *Engine) captureReaction(ctx context.Context, l *zap.Logger, channelID, messageID string, r *discordgo.MessageReactions) *Reaction {
	rec := &Reaction{
		Emoji: r.Emoji.APIName(),
		Count: r.Count,
	}

	users, err := e.Session.MessageReactions(channelID, messageID, r.Emoji.APIName(), 100, "", "", discordgo.WithContext(ctx))

	if err != nil {
		l.Warn("Failed to fetch reactors", zap.String("message_id", messageID), zap.Error(err))
		return rec
	}

	for _, u := range users {
		rec.Reactors = append(rec.Reactors, u.ID)
	}

	return rec
}

func (e *Engine) captureWebhooks(ctx context.Context, l *zap.Logger, channels []*Channel) []*Webhook {
	var out []*Webhook

	for _, ch := range channels {
		if ch.Kind != ChannelKindText && ch.Kind != ChannelKindForum {
			continue
		}

		hooks, err := e.Session.ChannelWebhooks(ch.ID, discordgo.WithContext(ctx))

		if err != nil {
			l.Warn("Failed to enumerate channel webhooks", zap.String("channel_id", ch.ID), zap.Error(err))
			continue
		}

		for _, wh := range hooks {
			out = append(out, &Webhook{
				ID:        wh.ID,
				Name:      wh.Name,
				ChannelID: wh.ChannelID,
				URL:       discordgo.EndpointWebhookToken(wh.ID, wh.Token),
			})
		}
	}

	return out
}

// captureGuildAsset downloads and re-encodes a guild image to jpeg
func (e *Engine) captureGuildAsset(ctx context.Context, l *zap.Logger, snapshotID, name, url string) {
	data, err := e.downloadAsset(ctx, url)

	if err != nil {
		l.Warn("Failed to download guild asset", zap.String("name", name), zap.Error(err))
		return
	}

	img, _, err := image.Decode(bytes.NewReader(data))

	if err != nil {
		l.Warn("Failed to decode guild asset", zap.String("name", name), zap.Error(err))
		return
	}

	var buf bytes.Buffer

	err = jpeg.Encode(&buf, img, &jpeg.Options{
		Quality: e.Constraints.Capture.AssetReencodeQuality,
	})

	if err != nil {
		l.Warn("Failed to re-encode guild asset", zap.String("name", name), zap.Error(err))
		return
	}

	if _, err := e.Store.Assets.Save(snapshotID, name, buf.Bytes()); err != nil {
		l.Warn("Failed to save guild asset", zap.String("name", name), zap.Error(err))
	}
}

func (e *Engine) downloadAsset(ctx context.Context, url string) ([]byte, error) {
	client := e.httpClient()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)

	if err != nil {
		return nil, fmt.Errorf("error creating asset request: %w", err)
	}

	resp, err := client.Do(req)

	if err != nil {
		return nil, fmt.Errorf("error fetching asset: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error fetching asset: %w", fmt.Errorf("status code %d", resp.StatusCode))
	}

	return io.ReadAll(resp.Body)
}
