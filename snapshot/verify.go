package snapshot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// ResetError is returned when tearing down existing guild entities fails
// partway. Restores cannot continue past a half-cleared stage.
type ResetError struct {
	Stage    Stage
	Failures []string
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset of %s stage failed: %s", e.Stage, strings.Join(e.Failures, "; "))
}

// verifyRoleMap reports whether every mapped role id still exists on the
// live guild. A stale map means the stage's prior work was undone and the
// stage has to run again.
func verifyRoleMap(roleMap map[string]string, live []*discordgo.Role) bool {
	if len(roleMap) == 0 {
		return false
	}

	liveIDs := make(map[string]struct{}, len(live))

	for _, r := range live {
		liveIDs[r.ID] = struct{}{}
	}

	for _, target := range roleMap {
		if _, ok := liveIDs[target]; !ok {
			return false
		}
	}

	return true
}

// verifyChannelMap reports whether every mapped channel id still exists
// on the live guild
func verifyChannelMap(chanMap map[string]string, live []*discordgo.Channel) bool {
	if len(chanMap) == 0 {
		return false
	}

	liveIDs := make(map[string]struct{}, len(live))

	for _, c := range live {
		liveIDs[c.ID] = struct{}{}
	}

	for _, target := range chanMap {
		if _, ok := liveIDs[target]; !ok {
			return false
		}
	}

	return true
}

// verifyEntityCount is the weaker check used for emojis and stickers,
// which have no identity map. The live guild must hold at least as many
// entities as the manifest.
func verifyEntityCount(live, want int) bool {
	return want == 0 || live >= want
}

// replayableEmojiCount counts manifest emojis that replay can actually
// recreate. Entries without a stored asset are skipped during replay, so
// counting them would make a completed stage look permanently short.
func replayableEmojiCount(emojis []*Emoji) int {
	var n int

	for _, em := range emojis {
		if em.Asset != "" {
			n++
		}
	}

	return n
}

func replayableStickerCount(stickers []*Sticker) int {
	var n int

	for _, st := range stickers {
		if st.Asset != "" {
			n++
		}
	}

	return n
}

// settingsMatch compares live guild settings against the manifest,
// remapping manifest channel references through chanMap first
func settingsMatch(g *discordgo.Guild, s GuildSettings, chanMap map[string]string) bool {
	if g.Name != s.Name || g.Description != s.Description {
		return false
	}

	if int(g.VerificationLevel) != s.VerificationLevel {
		return false
	}

	if int(g.ExplicitContentFilter) != s.ContentFilterLevel {
		return false
	}

	if int(g.DefaultMessageNotifications) != s.DefaultNotifications {
		return false
	}

	if g.AfkTimeout != s.AfkTimeout {
		return false
	}

	remap := func(id string) string {
		if mapped, ok := chanMap[id]; ok {
			return mapped
		}

		return ""
	}

	if s.AfkChannelID != "" && g.AfkChannelID != remap(s.AfkChannelID) {
		return false
	}

	if s.SystemChannelID != "" && g.SystemChannelID != remap(s.SystemChannelID) {
		return false
	}

	if s.RulesChannelID != "" && g.RulesChannelID != remap(s.RulesChannelID) {
		return false
	}

	if s.PublicUpdatesChannelID != "" && g.PublicUpdatesChannelID != remap(s.PublicUpdatesChannelID) {
		return false
	}

	return true
}

// rolesToDelete selects the live roles a reset may remove. The everyone
// role, integration-managed roles and operator-protected names are kept.
func rolesToDelete(live []*discordgo.Role, guildID string, protected []string) []*discordgo.Role {
	var out []*discordgo.Role

	for _, r := range live {
		if r.ID == guildID || r.Managed {
			continue
		}

		if slices.Contains(protected, r.Name) {
			continue
		}

		out = append(out, r)
	}

	return out
}

// resetRoles deletes existing non-protected roles. Any delete failure is
// fatal, a later create pass against half-deleted roles would produce
// duplicates.
func (e *Engine) resetRoles(ctx context.Context, l *zap.Logger, guildID string, live []*discordgo.Role) error {
	var failures []string

	for _, r := range rolesToDelete(live, guildID, e.ProtectedRoleNames) {
		l.Info("Deleting role", zap.String("role_id", r.ID), zap.String("name", r.Name))

		if err := e.Session.GuildRoleDelete(guildID, r.ID, discordgo.WithContext(ctx)); err != nil {
			failures = append(failures, fmt.Sprintf("role %s: %v", r.ID, err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.RoleDeleteSleep))
	}

	if len(failures) > 0 {
		return &ResetError{Stage: StageRoles, Failures: failures}
	}

	return nil
}

func (e *Engine) resetEmojis(ctx context.Context, l *zap.Logger, guildID string) error {
	emojis, err := e.Session.GuildEmojis(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return &ResetError{Stage: StageEmojis, Failures: []string{err.Error()}}
	}

	var failures []string

	for _, em := range emojis {
		if em.Managed {
			continue
		}

		l.Info("Deleting emoji", zap.String("emoji_id", em.ID), zap.String("name", em.Name))

		if err := e.Session.GuildEmojiDelete(guildID, em.ID, discordgo.WithContext(ctx)); err != nil {
			failures = append(failures, fmt.Sprintf("emoji %s: %v", em.ID, err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.EmojiDeleteSleep))
	}

	if len(failures) > 0 {
		return &ResetError{Stage: StageEmojis, Failures: failures}
	}

	return nil
}

func (e *Engine) resetStickers(ctx context.Context, l *zap.Logger, guildID string) error {
	stickers, err := e.fetchGuildStickers(ctx, guildID)

	if err != nil {
		return &ResetError{Stage: StageStickers, Failures: []string{err.Error()}}
	}

	var failures []string

	for _, st := range stickers {
		l.Info("Deleting sticker", zap.String("sticker_id", st.ID), zap.String("name", st.Name))

		_, err := e.Session.Request("DELETE", discordgo.EndpointGuildStickers(guildID)+"/"+st.ID, nil, discordgo.WithContext(ctx))

		if err != nil {
			failures = append(failures, fmt.Sprintf("sticker %s: %v", st.ID, err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.StickerDeleteSleep))
	}

	if len(failures) > 0 {
		return &ResetError{Stage: StageStickers, Failures: failures}
	}

	return nil
}

// resetChannels deletes existing channels. Per-channel failures are
// tolerated so a single undeletable channel does not immediately block
// the restore, but the stage cannot proceed unless the guild ends up with
// no restorable channels left.
func (e *Engine) resetChannels(ctx context.Context, l *zap.Logger, guildID string, live []*discordgo.Channel) error {
	for _, c := range live {
		if _, ok := channelKind(c.Type); !ok {
			continue
		}

		l.Info("Deleting channel", zap.String("channel_id", c.ID), zap.String("name", c.Name))

		if _, err := e.Session.ChannelDelete(c.ID, discordgo.WithContext(ctx)); err != nil {
			l.Warn("Failed to delete channel", zap.String("channel_id", c.ID), zap.Error(err))
		}

		time.Sleep(time.Duration(e.Constraints.Restore.ChannelDeleteSleep))
	}

	remaining, err := e.Session.GuildChannels(guildID, discordgo.WithContext(ctx))

	if err != nil {
		return &ResetError{Stage: StageChannels, Failures: []string{err.Error()}}
	}

	var failures []string

	for _, c := range remaining {
		if _, ok := channelKind(c.Type); ok {
			failures = append(failures, fmt.Sprintf("channel %s (%s) still exists", c.ID, c.Name))
		}
	}

	if len(failures) > 0 {
		return &ResetError{Stage: StageChannels, Failures: failures}
	}

	return nil
}
