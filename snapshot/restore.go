package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Restore replays a stored snapshot against the target guild. The restore
// runs as a fixed sequence of stages, each of which is verified against
// the checkpoint before being replayed, so a crashed or interrupted
// restore resumes where it left off instead of redoing live work.
func (e *Engine) Restore(ctx context.Context, guildID, snapshotID string) error {
	m, err := e.Store.Load(snapshotID)

	if err != nil {
		return err
	}

	release, err := e.acquireGuild(guildID)

	if err != nil {
		return err
	}

	defer release()

	cp, err := e.Store.LoadCheckpoint(snapshotID, guildID)

	if err != nil {
		return err
	}

	l := e.Logger.With(zap.String("guild_id", guildID), zap.String("snapshot_id", snapshotID))

	started := time.Now()

	for _, stage := range Stages {
		l.Info("Entering stage", zap.String("stage", string(stage)))

		var err error

		switch stage {
		case StageRoles:
			err = e.restoreRoles(ctx, l, guildID, m, cp)
		case StageEmojis:
			err = e.restoreEmojis(ctx, l, guildID, m, cp)
		case StageStickers:
			err = e.restoreStickers(ctx, l, guildID, m, cp)
		case StageChannels:
			err = e.restoreChannels(ctx, l, guildID, m, cp)
		case StageServerSettings:
			err = e.restoreSettings(ctx, l, guildID, m, cp)
		}

		if err != nil {
			return err
		}
	}

	e.sendRestoreSummary(ctx, l, guildID, m, cp, time.Since(started))

	l.Info("Restore complete", zap.Duration("duration", time.Since(started)))

	return nil
}

// completeStage persists the checkpoint after a stage's live effects have
// succeeded. The ordering matters: writing before the effect would make
// resumption trust work that never happened.
func (e *Engine) completeStage(cp *Checkpoint, stage Stage) error {
	cp.Completed[stage] = true

	if err := e.Store.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("error saving checkpoint after %s stage: %w", stage, err)
	}

	return nil
}

func (e *Engine) restoreRoles(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint) error {
	live, err := e.Session.GuildRoles(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return fmt.Errorf("error fetching live roles: %w", err)
	}

	if cp.Completed[StageRoles] {
		if verifyRoleMap(cp.RoleMap, live) {
			l.Info("Roles stage verified, skipping")
			return nil
		}

		// The checkpoint claims completion but mapped roles are gone.
		// Clear what remains and redo the stage from scratch.
		l.Warn("Role map no longer matches live guild, resetting roles")

		if err := e.resetRoles(ctx, l, guildID, live); err != nil {
			return err
		}
	}

	cp.RoleMap = e.replayRoles(ctx, l, guildID, m)

	return e.completeStage(cp, StageRoles)
}

// replayRoles creates manifest roles lowest position first so the final
// relative ordering matches the source guild. Failures leave a gap in the
// map rather than aborting the stage.
func (e *Engine) replayRoles(ctx context.Context, l *zap.Logger, guildID string, m *Manifest) map[string]string {
	roleMap := map[string]string{
		m.GuildID: guildID, // @everyone maps onto the target's own
	}

	roles := slices.Clone(m.Roles)

	slices.SortFunc(roles, func(a, b *Role) int {
		return a.Position - b.Position
	})

	for _, r := range roles {
		l.Info("Creating role", zap.String("name", r.Name), zap.Int("position", r.Position))

		params := &discordgo.RoleParams{
			Name:        r.Name,
			Hoist:       &r.Hoist,
			Permissions: &r.Permissions,
			Mentionable: &r.Mentionable,
		}

		if r.Color != 0 {
			params.Color = &r.Color
		}

		if r.IconAsset != "" {
			if uri, err := e.assetDataURI(m.ID, r.IconAsset); err == nil {
				params.Icon = &uri
			}
		}

		nr, err := e.Session.GuildRoleCreate(guildID, params, discordgo.WithRetryOnRatelimit(true), discordgo.WithContext(ctx))

		if err != nil {
			l.Warn("Failed to create role", zap.String("name", r.Name), zap.Error(err))
			time.Sleep(time.Duration(e.Constraints.Restore.RoleCreateSleep))
			continue
		}

		roleMap[r.ID] = nr.ID

		time.Sleep(time.Duration(e.Constraints.Restore.RoleCreateSleep))
	}

	return roleMap
}

func (e *Engine) restoreEmojis(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint) error {
	if cp.Completed[StageEmojis] {
		emojis, err := e.Session.GuildEmojis(guildID, discordgo.WithContext(ctx))

		if err != nil {
			return fmt.Errorf("error fetching live emojis: %w", err)
		}

		if verifyEntityCount(len(emojis), replayableEmojiCount(m.Emojis)) {
			l.Info("Emojis stage verified, skipping")
			return nil
		}

		l.Warn("Live emoji count below manifest, resetting emojis")

		if err := e.resetEmojis(ctx, l, guildID); err != nil {
			return err
		}
	}

	for _, em := range m.Emojis {
		if em.Asset == "" {
			l.Warn("Emoji has no stored asset, skipping", zap.String("name", em.Name))
			continue
		}

		uri, err := e.assetDataURI(m.ID, em.Asset)

		if err != nil {
			l.Warn("Failed to read emoji asset", zap.String("name", em.Name), zap.Error(err))
			continue
		}

		l.Info("Creating emoji", zap.String("name", em.Name))

		_, err = e.Session.GuildEmojiCreate(guildID, &discordgo.EmojiParams{
			Name:  em.Name,
			Image: uri,
		}, discordgo.WithContext(ctx))

		if err != nil {
			l.Warn("Failed to create emoji", zap.String("name", em.Name), zap.Error(err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.EmojiCreateSleep))
	}

	return e.completeStage(cp, StageEmojis)
}

func (e *Engine) restoreStickers(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint) error {
	if cp.Completed[StageStickers] {
		live, err := e.fetchGuildStickers(ctx, guildID)

		if err != nil {
			return fmt.Errorf("error fetching live stickers: %w", err)
		}

		if verifyEntityCount(len(live), replayableStickerCount(m.Stickers)) {
			l.Info("Stickers stage verified, skipping")
			return nil
		}

		l.Warn("Live sticker count below manifest, resetting stickers")

		if err := e.resetStickers(ctx, l, guildID); err != nil {
			return err
		}
	}

	for _, st := range m.Stickers {
		if st.Asset == "" {
			l.Warn("Sticker has no stored asset, skipping", zap.String("name", st.Name))
			continue
		}

		data, err := e.Store.Assets.Read(m.ID, st.Asset)

		if err != nil {
			l.Warn("Failed to read sticker asset", zap.String("name", st.Name), zap.Error(err))
			continue
		}

		l.Info("Creating sticker", zap.String("name", st.Name))

		if err := e.createSticker(ctx, guildID, st, data); err != nil {
			l.Warn("Failed to create sticker", zap.String("name", st.Name), zap.Error(err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.StickerCreateSleep))
	}

	return e.completeStage(cp, StageStickers)
}

// createSticker uploads a sticker through the raw REST endpoint, which
// needs a multipart body the client library does not expose
func (e *Engine) createSticker(ctx context.Context, guildID string, st *Sticker, data []byte) error {
	var body bytes.Buffer

	w := multipart.NewWriter(&body)

	if err := w.WriteField("name", st.Name); err != nil {
		return err
	}

	desc := st.Description

	if desc == "" {
		desc = st.Name
	}

	if err := w.WriteField("description", desc); err != nil {
		return err
	}

	if err := w.WriteField("tags", st.Name); err != nil {
		return err
	}

	fw, err := w.CreateFormFile("file", st.ID+"."+stickerExt(st.FormatType))

	if err != nil {
		return err
	}

	if _, err := fw.Write(data); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", discordgo.EndpointGuildStickers(guildID), &body)

	if err != nil {
		return err
	}

	req.Header.Set("Authorization", e.token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.httpClient().Do(req)

	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sticker upload failed with status %d", resp.StatusCode)
	}

	return nil
}

func (e *Engine) restoreChannels(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint) error {
	live, err := e.Session.GuildChannels(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return fmt.Errorf("error fetching live channels: %w", err)
	}

	if cp.Completed[StageChannels] {
		if verifyChannelMap(cp.ChannelMap, live) {
			l.Info("Channels stage verified, skipping")
			return nil
		}

		l.Warn("Channel map no longer matches live guild, resetting channels")

		if err := e.resetChannels(ctx, l, guildID, live); err != nil {
			return err
		}
	}

	chanMap := e.replayChannels(ctx, l, guildID, m, cp.RoleMap)

	cp.ChannelMap = chanMap

	return e.completeStage(cp, StageChannels)
}

// replayChannels creates categories first, then everything else with
// parents resolved through the freshly built channel map, then applies
// the ordering and overwrite consistency passes
func (e *Engine) replayChannels(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, roleMap map[string]string) map[string]string {
	chanMap := make(map[string]string, len(m.Channels))

	create := func(ch *Channel) {
		l.Info("Creating channel", zap.String("name", ch.Name), zap.String("kind", string(ch.Kind)))

		data := discordgo.GuildChannelCreateData{
			Name:                 ch.Name,
			Type:                 ch.Kind.channelType(),
			Topic:                ch.Topic,
			Bitrate:              ch.Bitrate,
			UserLimit:            ch.UserLimit,
			RateLimitPerUser:     ch.SlowModeInterval,
			Position:             ch.Position,
			PermissionOverwrites: remapOverwrites(ch.Overwrites, roleMap),
			NSFW:                 ch.NSFW,
		}

		if ch.ParentID != "" {
			if parent, ok := chanMap[ch.ParentID]; ok {
				data.ParentID = parent
			} else {
				l.Warn("Parent category was not restored, creating at top level", zap.String("name", ch.Name))
			}
		}

		nc, err := e.Session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx), discordgo.WithRetryOnRatelimit(true))

		if err != nil {
			l.Warn("Failed to create channel", zap.String("name", ch.Name), zap.Error(err))
			time.Sleep(time.Duration(e.Constraints.Restore.ChannelCreateSleep))
			return
		}

		chanMap[ch.ID] = nc.ID

		time.Sleep(time.Duration(e.Constraints.Restore.ChannelCreateSleep))

		// Creation-time overwrites can be dropped if a referenced role
		// lagged behind, set them explicitly as well
		e.applyOverwrites(ctx, l, nc.ID, ch.Overwrites, roleMap)

		if len(ch.Messages) > 0 {
			e.replayMessages(ctx, l, nc.ID, m.ID, ch.Messages)
		}

		for _, th := range ch.Threads {
			e.replayThread(ctx, l, nc.ID, m.ID, th)
		}
	}

	ordered := slices.Clone(m.Channels)

	slices.SortFunc(ordered, func(a, b *Channel) int {
		return a.Position - b.Position
	})

	for _, ch := range ordered {
		if ch.Kind == ChannelKindCategory {
			create(ch)
		}
	}

	for _, ch := range ordered {
		if ch.Kind != ChannelKindCategory {
			create(ch)
		}
	}

	e.applyChannelOrdering(ctx, l, m.Channels, chanMap)

	// Final consistency sweep over every overwrite now that all roles and
	// channels exist
	for _, ch := range m.Channels {
		if target, ok := chanMap[ch.ID]; ok {
			e.applyOverwrites(ctx, l, target, ch.Overwrites, roleMap)
		}
	}

	return chanMap
}

// remapOverwrites rewrites role ids through the role map. Member
// overwrites pass through untouched since user ids are global. Role
// overwrites whose role was not restored are dropped.
func remapOverwrites(overwrites []*Overwrite, roleMap map[string]string) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(overwrites))

	for _, ow := range overwrites {
		id := ow.ID

		if ow.Type == discordgo.PermissionOverwriteTypeRole {
			mapped, ok := roleMap[ow.ID]

			if !ok {
				continue
			}

			id = mapped
		}

		out = append(out, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  ow.Type,
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}

	return out
}

func (e *Engine) applyOverwrites(ctx context.Context, l *zap.Logger, channelID string, overwrites []*Overwrite, roleMap map[string]string) {
	for _, ow := range remapOverwrites(overwrites, roleMap) {
		err := e.Session.ChannelPermissionSet(channelID, ow.ID, ow.Type, ow.Allow, ow.Deny, discordgo.WithContext(ctx))

		if err != nil {
			l.Warn("Failed to set channel overwrite", zap.String("channel_id", channelID), zap.String("target_id", ow.ID), zap.Error(err))
		}
	}
}

// applyChannelOrdering re-sets positions in three passes. Positions are
// only meaningful between siblings, so categories, top-level channels and
// each category's children are ordered separately.
func (e *Engine) applyChannelOrdering(ctx context.Context, l *zap.Logger, channels []*Channel, chanMap map[string]string) {
	setPosition := func(ch *Channel, pos int) {
		target, ok := chanMap[ch.ID]

		if !ok {
			return
		}

		_, err := e.Session.ChannelEditComplex(target, &discordgo.ChannelEdit{
			Position: &pos,
		}, discordgo.WithContext(ctx))

		if err != nil {
			l.Warn("Failed to set channel position", zap.String("channel_id", target), zap.Error(err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.ChannelEditSleep))
	}

	orderSiblings := func(siblings []*Channel) {
		slices.SortFunc(siblings, func(a, b *Channel) int {
			return a.Position - b.Position
		})

		for i, ch := range siblings {
			setPosition(ch, i)
		}
	}

	var categories, topLevel []*Channel
	byParent := make(map[string][]*Channel)

	for _, ch := range channels {
		switch {
		case ch.Kind == ChannelKindCategory:
			categories = append(categories, ch)
		case ch.ParentID == "":
			topLevel = append(topLevel, ch)
		default:
			byParent[ch.ParentID] = append(byParent[ch.ParentID], ch)
		}
	}

	orderSiblings(categories)
	orderSiblings(topLevel)

	for _, siblings := range byParent {
		orderSiblings(siblings)
	}
}

func (e *Engine) replayThread(ctx context.Context, l *zap.Logger, channelID, snapshotID string, th *Thread) {
	l.Info("Creating thread", zap.String("name", th.Name))

	nt, err := e.Session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
		Name:                th.Name,
		AutoArchiveDuration: th.AutoArchiveDuration,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))

	if err != nil {
		l.Warn("Failed to create thread", zap.String("name", th.Name), zap.Error(err))
		return
	}

	time.Sleep(time.Duration(e.Constraints.Restore.ChannelCreateSleep))

	if len(th.Messages) > 0 {
		e.replayMessages(ctx, l, nt.ID, snapshotID, th.Messages)
	}
}

func (e *Engine) restoreSettings(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint) error {
	g, err := e.Session.Guild(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return fmt.Errorf("error fetching live guild: %w", err)
	}

	if cp.Completed[StageServerSettings] && settingsMatch(g, m.Settings, cp.ChannelMap) {
		l.Info("Server settings stage verified, skipping")
		return nil
	}

	s := m.Settings

	vl := discordgo.VerificationLevel(s.VerificationLevel)

	gp := &discordgo.GuildParams{
		Name:                        s.Name,
		Description:                 s.Description,
		VerificationLevel:           &vl,
		DefaultMessageNotifications: s.DefaultNotifications,
		ExplicitContentFilter:       s.ContentFilterLevel,
		AfkTimeout:                  s.AfkTimeout,
	}

	remap := func(id string) string {
		if id == "" {
			return ""
		}

		return cp.ChannelMap[id]
	}

	gp.SystemChannelID = remap(s.SystemChannelID)
	gp.RulesChannelID = remap(s.RulesChannelID)
	gp.PublicUpdatesChannelID = remap(s.PublicUpdatesChannelID)

	// The AFK channel has to be voice capable or the update is rejected
	if afk := remap(s.AfkChannelID); afk != "" {
		if src := findChannel(m.Channels, s.AfkChannelID); src != nil && src.Kind.voiceCapable() {
			gp.AfkChannelID = afk
		}
	}

	if uri, err := e.guildImageDataURI(ctx, m.ID, "guildIcon.jpg", s.IconURL); err == nil {
		gp.Icon = uri
	} else if s.IconURL != "" {
		l.Warn("Failed to load guild icon", zap.Error(err))
	}

	if uri, err := e.guildImageDataURI(ctx, m.ID, "guildBanner.jpg", s.BannerURL); err == nil {
		gp.Banner = uri
	} else if s.BannerURL != "" {
		l.Warn("Failed to load guild banner", zap.Error(err))
	}

	l.Info("Updating guild settings")

	if _, err := e.Session.GuildEdit(guildID, gp, discordgo.WithRetryOnRatelimit(true), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error updating guild settings: %w", err)
	}

	return e.completeStage(cp, StageServerSettings)
}

// assetDataURI reads a stored asset and encodes it as a base64 data uri
// suitable for image upload fields
func (e *Engine) assetDataURI(snapshotID, rel string) (string, error) {
	data, err := e.Store.Assets.Read(snapshotID, rel)

	if err != nil {
		return "", err
	}

	return "data:" + mimeForAsset(rel) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// guildImageDataURI prefers the locally captured copy and falls back to
// downloading the original remote url
func (e *Engine) guildImageDataURI(ctx context.Context, snapshotID, name, remoteURL string) (string, error) {
	if uri, err := e.assetDataURI(snapshotID, "assets/"+name); err == nil {
		return uri, nil
	}

	if remoteURL == "" {
		return "", fmt.Errorf("no stored asset and no remote url")
	}

	data, err := e.downloadAsset(ctx, remoteURL)

	if err != nil {
		return "", err
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

func mimeForAsset(name string) string {
	switch {
	case strings.HasSuffix(name, ".gif"):
		return "image/gif"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

// resolveReportChannel finds the reporting channel by name, first in the
// manifest's own channel list through the channel map, then by a live
// lookup
func (e *Engine) resolveReportChannel(ctx context.Context, guildID string, m *Manifest, chanMap map[string]string) string {
	for _, ch := range m.Channels {
		if ch.Kind != ChannelKindText || ch.Name != e.ReportChannelName {
			continue
		}

		if target, ok := chanMap[ch.ID]; ok {
			return target
		}
	}

	live, err := e.Session.GuildChannels(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return ""
	}

	for _, c := range live {
		if c.Type == discordgo.ChannelTypeGuildText && c.Name == e.ReportChannelName {
			return c.ID
		}
	}

	return ""
}

// sendRestoreSummary posts a completion notice into the reporting
// channel. Failure here never fails the restore.
func (e *Engine) sendRestoreSummary(ctx context.Context, l *zap.Logger, guildID string, m *Manifest, cp *Checkpoint, took time.Duration) {
	target := e.resolveReportChannel(ctx, guildID, m, cp.ChannelMap)

	if target == "" {
		l.Warn("No reporting channel found, skipping restore summary")
		return
	}

	var messages int

	for _, ch := range m.Channels {
		messages += len(ch.Messages)

		for _, th := range ch.Threads {
			messages += len(th.Messages)
		}
	}

	p := message.NewPrinter(language.English)

	embed := &discordgo.MessageEmbed{
		Title: "Snapshot restored",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Snapshot", Value: m.ID, Inline: true},
			{Name: "Source guild", Value: m.GuildName, Inline: true},
			{Name: "Duration", Value: took.Round(time.Second).String(), Inline: true},
			{Name: "Roles", Value: p.Sprintf("%d", len(m.Roles)), Inline: true},
			{Name: "Channels", Value: p.Sprintf("%d", len(m.Channels)), Inline: true},
			{Name: "Messages", Value: p.Sprintf("%d", messages), Inline: true},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}

	_, err := e.Session.ChannelMessageSendComplex(target, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))

	if err != nil {
		l.Warn("Failed to send restore summary", zap.Error(err))
	}
}
