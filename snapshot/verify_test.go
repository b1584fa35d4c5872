package snapshot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestVerifyRoleMap(t *testing.T) {
	live := []*discordgo.Role{
		{ID: "nr1"},
		{ID: "nr2"},
	}

	assert.True(t, verifyRoleMap(map[string]string{"r1": "nr1", "r2": "nr2"}, live))

	// A mapped role deleted out-of-band breaks the map
	assert.False(t, verifyRoleMap(map[string]string{"r1": "nr1", "r2": "gone"}, live))

	// An empty map can never verify a completed stage
	assert.False(t, verifyRoleMap(nil, live))
}

func TestVerifyChannelMap(t *testing.T) {
	live := []*discordgo.Channel{
		{ID: "nc1"},
	}

	assert.True(t, verifyChannelMap(map[string]string{"c1": "nc1"}, live))
	assert.False(t, verifyChannelMap(map[string]string{"c1": "nc1", "c2": "gone"}, live))
	assert.False(t, verifyChannelMap(map[string]string{}, live))
}

func TestVerifyEntityCount(t *testing.T) {
	assert.True(t, verifyEntityCount(5, 5))
	assert.True(t, verifyEntityCount(6, 5))
	assert.False(t, verifyEntityCount(4, 5))

	// A manifest with no entities is trivially satisfied
	assert.True(t, verifyEntityCount(0, 0))
}

func TestReplayableCounts(t *testing.T) {
	emojis := []*Emoji{
		{ID: "e1", Asset: "assets/e1.png"},
		{ID: "e2"}, // capture failed to download, replay skips it
		{ID: "e3", Asset: "assets/e3.gif"},
	}

	assert.Equal(t, 2, replayableEmojiCount(emojis))

	stickers := []*Sticker{
		{ID: "s1"},
		{ID: "s2", Asset: "assets/s2.png"},
	}

	assert.Equal(t, 1, replayableStickerCount(stickers))

	// A completed stage whose only manifest entries lack assets must
	// verify clean against an empty live guild, not reset every resume
	assert.True(t, verifyEntityCount(0, replayableStickerCount([]*Sticker{{ID: "s1"}})))
}

func TestSettingsMatch(t *testing.T) {
	settings := GuildSettings{
		Name:                 "My Guild",
		VerificationLevel:    2,
		ContentFilterLevel:   1,
		DefaultNotifications: 1,
		AfkTimeout:           300,
		SystemChannelID:      "c1",
	}

	chanMap := map[string]string{"c1": "nc1"}

	g := &discordgo.Guild{
		Name:                        "My Guild",
		VerificationLevel:           discordgo.VerificationLevelMedium,
		ExplicitContentFilter:       discordgo.ExplicitContentFilterMembersWithoutRoles,
		DefaultMessageNotifications: discordgo.MessageNotificationsOnlyMentions,
		AfkTimeout:                  300,
		SystemChannelID:             "nc1",
	}

	assert.True(t, settingsMatch(g, settings, chanMap))

	renamed := *g
	renamed.Name = "Renamed"
	assert.False(t, settingsMatch(&renamed, settings, chanMap))

	rewired := *g
	rewired.SystemChannelID = "something-else"
	assert.False(t, settingsMatch(&rewired, settings, chanMap))

	// Unmapped channel reference cannot match
	assert.False(t, settingsMatch(g, settings, nil))
}

func TestRolesToDelete(t *testing.T) {
	live := []*discordgo.Role{
		{ID: "guild-1", Name: "@everyone"},
		{ID: "r1", Name: "Member"},
		{ID: "r2", Name: "Bot Role", Managed: true},
		{ID: "r3", Name: "Admin"},
	}

	out := rolesToDelete(live, "guild-1", []string{"Admin"})

	assert.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
}

func TestRemapOverwrites(t *testing.T) {
	roleMap := map[string]string{
		"guild-src": "guild-tgt",
		"r1":        "nr1",
	}

	overwrites := []*Overwrite{
		{ID: "guild-src", Type: discordgo.PermissionOverwriteTypeRole, Allow: 1024},
		{ID: "r1", Type: discordgo.PermissionOverwriteTypeRole, Deny: 2048},
		{ID: "r-unrestored", Type: discordgo.PermissionOverwriteTypeRole},
		{ID: "user-1", Type: discordgo.PermissionOverwriteTypeMember, Allow: 8},
	}

	out := remapOverwrites(overwrites, roleMap)

	assert.Len(t, out, 3)
	assert.Equal(t, "guild-tgt", out[0].ID)
	assert.Equal(t, int64(1024), out[0].Allow)
	assert.Equal(t, "nr1", out[1].ID)

	// Member overwrites pass through untouched, user ids are global
	assert.Equal(t, "user-1", out[2].ID)
}

func TestResetErrorMessage(t *testing.T) {
	err := &ResetError{
		Stage:    StageRoles,
		Failures: []string{"role r1: forbidden", "role r2: forbidden"},
	}

	assert.Contains(t, err.Error(), "roles")
	assert.Contains(t, err.Error(), "role r1: forbidden")
}

func TestStageOrder(t *testing.T) {
	assert.Equal(t, []Stage{
		StageRoles,
		StageEmojis,
		StageStickers,
		StageChannels,
		StageServerSettings,
	}, Stages)
}
