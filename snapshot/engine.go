// Package snapshot implements the guild snapshot and restore engine: it
// captures a point-in-time copy of a guild (roles, channels, messages,
// emoji, stickers, webhooks, settings) into durable storage and can later
// rebuild an equivalent guild from that copy via a checkpointed, resumable
// five-stage restore.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"guildvault/objectstorage"
	"guildvault/utils/syncmap"

	"github.com/bwmarrin/discordgo"
	"github.com/infinitybotlist/eureka/crypto"
	"go.uber.org/zap"
)

// activeGuildTasks tracks how many capture/restore tasks a guild has
// running concurrently
var activeGuildTasks = syncmap.Map[string, int]{}

// Discord is the slice of the bot session the engine drives. It is
// satisfied by *discordgo.Session and substitutable in tests, the same
// way history paging is fed through historyFetch.
type Discord interface {
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildEdit(guildID string, g *discordgo.GuildParams, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildRoleDelete(guildID, roleID string, options ...discordgo.RequestOption) error
	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
	GuildEmojiCreate(guildID string, data *discordgo.EmojiParams, options ...discordgo.RequestOption) (*discordgo.Emoji, error)
	GuildEmojiDelete(guildID, emojiID string, options ...discordgo.RequestOption) error
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	MessageReactions(channelID, messageID, emojiID string, limit int, beforeID, afterID string, options ...discordgo.RequestOption) ([]*discordgo.User, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Request(method, urlStr string, data interface{}, options ...discordgo.RequestOption) ([]byte, error)
}

// Engine drives capture and restore against a single bot session
type Engine struct {
	Session     Discord
	BotUser     *discordgo.User
	Store       *Store
	Constraints *Constraints
	Logger      *zap.Logger

	// Transport used for asset downloads; overridable to support the
	// file:// scheme in local runs
	Transport *http.Transport

	// Mirror, when set, receives a copy of every exported snapshot archive
	Mirror *objectstorage.ObjectStorage

	// ProtectedRoleNames are never deleted when a stage reset clears live
	// roles
	ProtectedRoleNames []string

	// ReportChannelName is where the restore summary is sent
	ReportChannelName string

	// token authorizes raw uploads the client library does not wrap
	token string
}

func New(session *discordgo.Session, botUser *discordgo.User, store *Store, logger *zap.Logger) *Engine {
	return &Engine{
		Session:     session,
		BotUser:     botUser,
		Store:       store,
		Constraints: DefaultConstraints,
		Logger:      logger,
		Transport:   &http.Transport{},
		token:       session.Token,
	}
}

// newSnapshotID derives a unique id from the current time plus randomness
func newSnapshotID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), crypto.RandString(8))
}

// acquireGuild reserves a task slot for a guild, failing when the guild
// already has the maximum number of tasks in progress
func (e *Engine) acquireGuild(guildID string) (release func(), err error) {
	count, _ := activeGuildTasks.LoadOrStore(guildID, 0)

	if count >= e.Constraints.MaxGuildTasks {
		return nil, fmt.Errorf("you already have %d or more snapshot tasks in progress for this guild, please wait for them to finish", e.Constraints.MaxGuildTasks)
	}

	activeGuildTasks.Store(guildID, count+1)

	return func() {
		countNow, _ := activeGuildTasks.LoadOrStore(guildID, 0)

		if countNow > 0 {
			activeGuildTasks.Store(guildID, countNow-1)
		}
	}, nil
}

// httpClient returns the client used for asset downloads
func (e *Engine) httpClient() *http.Client {
	return &http.Client{
		Timeout:   time.Duration(e.Constraints.Restore.HttpClientTimeout),
		Transport: e.Transport,
	}
}

// ListSnapshots returns snapshot ids newest first
func (e *Engine) ListSnapshots() ([]string, error) {
	return e.Store.List()
}

// GetSnapshotInfo returns the manifest for an id, or nil if none exists
func (e *Engine) GetSnapshotInfo(id string) (*Manifest, error) {
	m, err := e.Store.Load(id)

	if err == ErrSnapshotNotFound {
		return nil, nil
	}

	return m, err
}

// DeleteSnapshot removes a snapshot and, when mirroring is configured, its
// offsite archive. Deletion is best-effort.
func (e *Engine) DeleteSnapshot(ctx context.Context, id string) error {
	if err := e.Store.Delete(id); err != nil {
		return err
	}

	if e.Mirror != nil {
		if err := e.Mirror.Delete(ctx, "archives", id+".iblfile"); err != nil {
			e.Logger.Warn("Failed to delete mirrored archive", zap.String("id", id), zap.Error(err))
		}
	}

	return nil
}

// mirrorArchive exports a snapshot and uploads the archive to the
// configured mirror. Mirror failures never fail the capture itself.
func (e *Engine) mirrorArchive(ctx context.Context, id string) {
	if e.Mirror == nil {
		return
	}

	var buf bytes.Buffer

	if err := e.Export(id, "", &buf); err != nil {
		e.Logger.Warn("Failed to export snapshot for mirroring", zap.String("id", id), zap.Error(err))
		return
	}

	if err := e.Mirror.Save(ctx, "archives", id+".iblfile", &buf); err != nil {
		e.Logger.Warn("Failed to mirror snapshot archive", zap.String("id", id), zap.Error(err))
	}
}
