package snapshot

import (
	"context"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDiscord backs the Discord interface with an in-memory guild and
// counts live mutations, so stage tests can tell a verified skip from a
// redo.
type fakeDiscord struct {
	guildID  string
	guild    *discordgo.Guild
	roles    []*discordgo.Role
	channels []*discordgo.Channel

	nextID int

	roleCreates    int
	roleDeletes    int
	channelCreates int
	channelDeletes int
	emojiCreates   int

	sent         []*discordgo.MessageSend
	sentChannels []string
}

func newFakeDiscord(guildID string) *fakeDiscord {
	return &fakeDiscord{
		guildID: guildID,
		guild:   &discordgo.Guild{ID: guildID},
		roles: []*discordgo.Role{
			{ID: guildID, Name: "@everyone"},
		},
	}
}

func (f *fakeDiscord) newID(prefix string) string {
	f.nextID++
	return prefix + "-" + strconv.Itoa(f.nextID)
}

func (f *fakeDiscord) Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	return f.guild, nil
}

func (f *fakeDiscord) GuildEdit(guildID string, g *discordgo.GuildParams, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	f.guild.Name = g.Name
	f.guild.Description = g.Description

	if g.VerificationLevel != nil {
		f.guild.VerificationLevel = *g.VerificationLevel
	}

	f.guild.ExplicitContentFilter = discordgo.ExplicitContentFilterLevel(g.ExplicitContentFilter)
	f.guild.DefaultMessageNotifications = discordgo.MessageNotifications(g.DefaultMessageNotifications)
	f.guild.AfkTimeout = g.AfkTimeout
	f.guild.AfkChannelID = g.AfkChannelID
	f.guild.SystemChannelID = g.SystemChannelID
	f.guild.RulesChannelID = g.RulesChannelID
	f.guild.PublicUpdatesChannelID = g.PublicUpdatesChannelID

	return f.guild, nil
}

func (f *fakeDiscord) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return slices.Clone(f.channels), nil
}

func (f *fakeDiscord) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return slices.Clone(f.roles), nil
}

func (f *fakeDiscord) GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error) {
	f.roleCreates++

	r := &discordgo.Role{ID: f.newID("role"), Name: data.Name}
	f.roles = append(f.roles, r)

	return r, nil
}

func (f *fakeDiscord) GuildRoleDelete(guildID, roleID string, options ...discordgo.RequestOption) error {
	f.roleDeletes++

	f.roles = slices.DeleteFunc(f.roles, func(r *discordgo.Role) bool {
		return r.ID == roleID
	})

	return nil
}

func (f *fakeDiscord) GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error) {
	return nil, nil
}

func (f *fakeDiscord) GuildEmojiCreate(guildID string, data *discordgo.EmojiParams, options ...discordgo.RequestOption) (*discordgo.Emoji, error) {
	f.emojiCreates++
	return &discordgo.Emoji{ID: f.newID("emoji"), Name: data.Name}, nil
}

func (f *fakeDiscord) GuildEmojiDelete(guildID, emojiID string, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeDiscord) GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error) {
	return &discordgo.ThreadsList{}, nil
}

func (f *fakeDiscord) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.channelCreates++

	c := &discordgo.Channel{
		ID:       f.newID("chan"),
		Name:     data.Name,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	f.channels = append(f.channels, c)

	return c, nil
}

func (f *fakeDiscord) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.channelDeletes++

	f.channels = slices.DeleteFunc(f.channels, func(c *discordgo.Channel) bool {
		return c.ID == channelID
	})

	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeDiscord) ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: channelID}, nil
}

func (f *fakeDiscord) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeDiscord) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return nil, nil
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, data)
	f.sentChannels = append(f.sentChannels, channelID)

	return &discordgo.Message{ID: f.newID("msg")}, nil
}

func (f *fakeDiscord) ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	return nil, nil
}

func (f *fakeDiscord) MessageReactions(channelID, messageID, emojiID string, limit int, beforeID, afterID string, options ...discordgo.RequestOption) ([]*discordgo.User, error) {
	return nil, nil
}

func (f *fakeDiscord) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: f.newID("thread"), Name: data.Name}, nil
}

func (f *fakeDiscord) Request(method, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error) {
	return []byte("[]"), nil
}

func testRestoreEngine(t *testing.T, fd *fakeDiscord) *Engine {
	t.Helper()

	return &Engine{
		Session: fd,
		BotUser: &discordgo.User{ID: "bot-1"},
		Store:   testStore(t),
		Constraints: &Constraints{
			Capture: DefaultConstraints.Capture,
			Restore: &RestoreConstraints{
				MaxAttachmentFileSize: 8_000_000,
			},
			MaxGuildTasks: 1,
		},
		Logger:            zap.NewNop(),
		ReportChannelName: "general",
	}
}

func restoreManifest(id string) *Manifest {
	m := testManifest(id, "guild-src", time.Now())

	m.Settings = GuildSettings{
		Name:              "Test Guild",
		VerificationLevel: 2,
		AfkTimeout:        300,
	}

	return m
}

func TestRestoreFreshGuild(t *testing.T) {
	fd := newFakeDiscord("guild-fresh")
	e := testRestoreEngine(t, fd)

	m := restoreManifest("snap-1")

	require.NoError(t, e.Store.Save(m))
	require.NoError(t, e.Restore(context.Background(), "guild-fresh", "snap-1"))

	assert.Equal(t, 1, fd.roleCreates)
	assert.Equal(t, 2, fd.channelCreates)
	assert.Equal(t, "Test Guild", fd.guild.Name)

	cp, err := e.Store.LoadCheckpoint("snap-1", "guild-fresh")

	require.NoError(t, err)

	for _, stage := range Stages {
		assert.True(t, cp.Completed[stage], string(stage))
	}

	// Source roles plus the everyone mapping
	assert.Len(t, cp.RoleMap, 2)
	assert.Len(t, cp.ChannelMap, 2)

	// The completion summary lands in the named reporting channel
	require.NotEmpty(t, fd.sent)
	last := fd.sent[len(fd.sent)-1]
	require.Len(t, last.Embeds, 1)
	assert.Equal(t, "Snapshot restored", last.Embeds[0].Title)
}

func TestRestoreResumeDoesNoLiveWork(t *testing.T) {
	fd := newFakeDiscord("guild-resume")
	e := testRestoreEngine(t, fd)

	m := restoreManifest("snap-1")

	require.NoError(t, e.Store.Save(m))
	require.NoError(t, e.Restore(context.Background(), "guild-resume", "snap-1"))

	// Everything survived, so running again must verify each stage
	// clean and create nothing
	require.NoError(t, e.Restore(context.Background(), "guild-resume", "snap-1"))

	assert.Equal(t, 1, fd.roleCreates)
	assert.Equal(t, 0, fd.roleDeletes)
	assert.Equal(t, 2, fd.channelCreates)
	assert.Equal(t, 0, fd.channelDeletes)
}

func TestRestoreRedoesRolesAfterExternalDelete(t *testing.T) {
	fd := newFakeDiscord("guild-redo")
	e := testRestoreEngine(t, fd)

	m := restoreManifest("snap-1")

	require.NoError(t, e.Store.Save(m))
	require.NoError(t, e.Restore(context.Background(), "guild-redo", "snap-1"))

	cp, err := e.Store.LoadCheckpoint("snap-1", "guild-redo")

	require.NoError(t, err)

	oldTarget := cp.RoleMap["r1"]

	require.NotEmpty(t, oldTarget)

	// Someone deletes the restored role out from under the checkpoint
	fd.roles = slices.DeleteFunc(fd.roles, func(r *discordgo.Role) bool {
		return r.ID == oldTarget
	})

	require.NoError(t, e.Restore(context.Background(), "guild-redo", "snap-1"))

	assert.Equal(t, 2, fd.roleCreates)

	cp, err = e.Store.LoadCheckpoint("snap-1", "guild-redo")

	require.NoError(t, err)
	assert.NotEqual(t, oldTarget, cp.RoleMap["r1"])

	// The channels stage still verified clean and was left alone
	assert.Equal(t, 2, fd.channelCreates)
}

func TestRestoreResetsChannelsAfterExternalDelete(t *testing.T) {
	fd := newFakeDiscord("guild-chredo")
	e := testRestoreEngine(t, fd)

	m := restoreManifest("snap-1")

	require.NoError(t, e.Store.Save(m))
	require.NoError(t, e.Restore(context.Background(), "guild-chredo", "snap-1"))

	cp, err := e.Store.LoadCheckpoint("snap-1", "guild-chredo")

	require.NoError(t, err)

	target := cp.ChannelMap["c1"]

	require.NotEmpty(t, target)

	fd.channels = slices.DeleteFunc(fd.channels, func(c *discordgo.Channel) bool {
		return c.ID == target
	})

	require.NoError(t, e.Restore(context.Background(), "guild-chredo", "snap-1"))

	// The surviving channel is cleared, then both are recreated
	assert.Equal(t, 1, fd.channelDeletes)
	assert.Equal(t, 4, fd.channelCreates)
}

func TestHandleSendErrorOversizeNotice(t *testing.T) {
	fd := newFakeDiscord("guild-notice")
	e := testRestoreEngine(t, fd)

	e.handleSendError(context.Background(), zap.NewNop(), "chan-1", "msg-1", "attachment video.mp4", restErr(jsonErrPayloadTooLarge))

	require.Len(t, fd.sent, 1)
	assert.Equal(t, "chan-1", fd.sentChannels[0])
	assert.Contains(t, fd.sent[0].Content, "video.mp4")

	// Empty-message failures stay silent
	e.handleSendError(context.Background(), zap.NewNop(), "chan-1", "msg-2", "message from alice", restErr(jsonErrEmptyMessage))

	assert.Len(t, fd.sent, 1)
}
