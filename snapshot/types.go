package snapshot

import (
	"time"

	"guildvault/utils/timex"

	"github.com/bwmarrin/discordgo"
)

// FormatVersion is bumped whenever the manifest layout changes in an
// incompatible way
const FormatVersion = "a1"

type ChannelKind string

const (
	ChannelKindText         ChannelKind = "text"
	ChannelKindVoice        ChannelKind = "voice"
	ChannelKindCategory     ChannelKind = "category"
	ChannelKindForum        ChannelKind = "forum"
	ChannelKindStage        ChannelKind = "stage"
	ChannelKindAnnouncement ChannelKind = "announcement"
)

// Manifest describes one captured guild. It is immutable once written;
// the Store owns the on-disk copy.
type Manifest struct {
	ID            string    `json:"id"`
	GuildID       string    `json:"guild_id"`
	GuildName     string    `json:"guild_name"`
	CreatedAt     time.Time `json:"created_at"`
	CreatorID     string    `json:"creator_id"`
	FormatVersion string    `json:"format_version"`

	Settings GuildSettings `json:"settings"`

	Roles    []*Role    `json:"roles"`
	Channels []*Channel `json:"channels"`
	Emojis   []*Emoji   `json:"emojis"`
	Stickers []*Sticker `json:"stickers"`
	Webhooks []*Webhook `json:"webhooks"`
}

// GuildSettings holds the server-level fields that are replayed verbatim
// during the final restore stage. Channel references here are source-space
// ids and must be remapped through the channel identity map.
type GuildSettings struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IconURL     string `json:"icon_url"`
	BannerURL   string `json:"banner_url"`

	VerificationLevel    int `json:"verification_level"`
	ContentFilterLevel   int `json:"content_filter_level"`
	DefaultNotifications int `json:"default_notifications"`

	AfkChannelID string `json:"afk_channel_id"`
	AfkTimeout   int    `json:"afk_timeout"`

	SystemChannelID        string `json:"system_channel_id"`
	RulesChannelID         string `json:"rules_channel_id"`
	PublicUpdatesChannelID string `json:"public_updates_channel_id"`
}

type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
	Permissions int64  `json:"permissions"` // opaque bitmask, replayed verbatim
	Position    int    `json:"position"`
	IconAsset   string `json:"icon_asset,omitempty"`
}

// Overwrite is a per-channel permission rule. Role-type overwrite ids are
// source role ids and are remapped at restore time, never at capture time.
type Overwrite struct {
	ID    string                            `json:"id"`
	Type  discordgo.PermissionOverwriteType `json:"type"`
	Allow int64                             `json:"allow"`
	Deny  int64                             `json:"deny"`
}

type Channel struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     ChannelKind `json:"kind"`
	Position int         `json:"position"`

	// ParentID, when set, must resolve to a category channel elsewhere in
	// the same manifest
	ParentID string `json:"parent_id,omitempty"`

	Topic            string `json:"topic,omitempty"`
	NSFW             bool   `json:"nsfw,omitempty"`
	Bitrate          int    `json:"bitrate,omitempty"`
	UserLimit        int    `json:"user_limit,omitempty"`
	SlowModeInterval int    `json:"slow_mode_interval,omitempty"`

	Overwrites []*Overwrite `json:"overwrites"`
	Messages   []*Message   `json:"messages,omitempty"`
	Threads    []*Thread    `json:"threads,omitempty"`
}

type Thread struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	AutoArchiveDuration int        `json:"auto_archive_duration"`
	Messages            []*Message `json:"messages,omitempty"`
}

// Author is a display snapshot of a message author at capture time
type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Bot       bool   `json:"bot"`
}

// Message is immutable once captured. The source API pages newest-first;
// manifests store messages oldest-first for faithful replay.
type Message struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	Author   Author     `json:"author"`
	SentAt   time.Time  `json:"sent_at"`
	EditedAt *time.Time `json:"edited_at,omitempty"`
	Pinned   bool       `json:"pinned,omitempty"`

	// Embeds are opaque and replayed verbatim up to the platform cap
	Embeds []*discordgo.MessageEmbed `json:"embeds,omitempty"`

	Attachments []*Attachment `json:"attachments,omitempty"`
	Reactions   []*Reaction   `json:"reactions,omitempty"`
	Mentions    []string      `json:"mentions,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	// Asset is the relative path in the asset store once downloaded
	Asset string `json:"asset,omitempty"`
}

type Reaction struct {
	Emoji    string   `json:"emoji"`
	Count    int      `json:"count"`
	Reactors []string `json:"reactors,omitempty"`
}

type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated"`
	Managed  bool   `json:"managed"`
	Asset    string `json:"asset,omitempty"`
}

type Sticker struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	FormatType  int    `json:"format_type"`
	Asset       string `json:"asset,omitempty"`
}

// Webhook is captured for inventory purposes only; webhooks are not
// replayed during restore
type Webhook struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	URL       string `json:"url"`
}

// Stage is one of the five ordered phases of restore
type Stage string

const (
	StageRoles          Stage = "roles"
	StageEmojis         Stage = "emojis"
	StageStickers       Stage = "stickers"
	StageChannels       Stage = "channels"
	StageServerSettings Stage = "server_settings"
)

// Stages is the fixed total order of restore. No stage may be marked
// complete while an earlier one is incomplete.
var Stages = []Stage{
	StageRoles,
	StageEmojis,
	StageStickers,
	StageChannels,
	StageServerSettings,
}

// Checkpoint is the durable record of stage completion and identity maps
// for one (snapshot id, target guild id) pair. It must be written strictly
// after a stage's live side effects succeed, never before.
type Checkpoint struct {
	SnapshotID string `json:"snapshot_id"`
	GuildID    string `json:"guild_id"`

	Completed map[Stage]bool `json:"completed"`

	// RoleMap maps source role ids to created target role ids once the
	// roles stage completes; ChannelMap likewise for channels
	RoleMap    map[string]string `json:"role_map,omitempty"`
	ChannelMap map[string]string `json:"channel_map,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func newCheckpoint(snapshotID, guildID string) *Checkpoint {
	return &Checkpoint{
		SnapshotID: snapshotID,
		GuildID:    guildID,
		Completed:  map[Stage]bool{},
	}
}

type CaptureConstraints struct {
	TotalMaxMessages      int // The maximum number of messages to capture across all channels
	MaxAttachmentFileSize int // The maximum size of an attachment to download
	MinPerChannel         int // The minimum number of messages per channel
	DefaultPerChannel     int // The default number of messages per channel
	MaxHistoryPages       int // Hard ceiling on history pages per channel, loop-safety net
	AssetReencodeQuality  int // The quality to use when re-encoding guild assets to jpeg
}

type RestoreConstraints struct {
	RoleDeleteSleep    timex.Duration // How long to sleep between role deletes
	RoleCreateSleep    timex.Duration // How long to sleep between role creates
	EmojiDeleteSleep   timex.Duration // How long to sleep between emoji deletes
	EmojiCreateSleep   timex.Duration // How long to sleep between emoji creates
	StickerDeleteSleep timex.Duration // How long to sleep between sticker deletes
	StickerCreateSleep timex.Duration // How long to sleep between sticker creates
	ChannelDeleteSleep timex.Duration // How long to sleep between channel deletes
	ChannelCreateSleep timex.Duration // How long to sleep between channel creates
	ChannelEditSleep   timex.Duration // How long to sleep between channel edits
	SendMessageSleep   timex.Duration // How long to sleep between message sends
	AttachmentSleep    timex.Duration // How long to sleep between attachment follow-ups
	HttpClientTimeout  timex.Duration // How long to wait for HTTP requests to complete

	MaxAttachmentFileSize int // Per-file ceiling for re-uploaded attachments
}

type Constraints struct {
	Capture *CaptureConstraints
	Restore *RestoreConstraints

	MaxGuildTasks int // How many capture/restore tasks can run concurrently per guild
}

var DefaultConstraints = &Constraints{
	Capture: &CaptureConstraints{
		TotalMaxMessages:      1000,
		MaxAttachmentFileSize: 8_000_000, // 8MB
		MinPerChannel:         50,
		DefaultPerChannel:     100,
		MaxHistoryPages:       100,
		AssetReencodeQuality:  85,
	},
	Restore: &RestoreConstraints{
		RoleDeleteSleep:       1 * timex.Second,
		RoleCreateSleep:       2 * timex.Second,
		EmojiDeleteSleep:      1 * timex.Second,
		EmojiCreateSleep:      3 * timex.Second,
		StickerDeleteSleep:    1 * timex.Second,
		StickerCreateSleep:    3 * timex.Second,
		ChannelDeleteSleep:    500 * timex.Millisecond,
		ChannelCreateSleep:    500 * timex.Millisecond,
		ChannelEditSleep:      1 * timex.Second,
		SendMessageSleep:      350 * timex.Millisecond,
		AttachmentSleep:       350 * timex.Millisecond,
		HttpClientTimeout:     10 * timex.Second,
		MaxAttachmentFileSize: 8_000_000, // 8MB
	},
	MaxGuildTasks: 1,
}

// CaptureOpts are the options for one capture invocation
type CaptureOpts struct {
	IncludeMessages    bool           `json:"include_messages" mapstructure:"include_messages"`
	Channels           []string       `json:"channels" mapstructure:"channels"`
	PerChannel         int            `json:"per_channel" mapstructure:"per_channel"`
	MaxMessages        int            `json:"max_messages" mapstructure:"max_messages"`
	SpecialAllocations map[string]int `json:"special_allocations" mapstructure:"special_allocations"`
	RolloverLeftovers  bool           `json:"rollover_leftovers" mapstructure:"rollover_leftovers"`
}

func channelKind(t discordgo.ChannelType) (ChannelKind, bool) {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return ChannelKindText, true
	case discordgo.ChannelTypeGuildVoice:
		return ChannelKindVoice, true
	case discordgo.ChannelTypeGuildCategory:
		return ChannelKindCategory, true
	case discordgo.ChannelTypeGuildForum:
		return ChannelKindForum, true
	default:
		return "", false
	}
}

func (k ChannelKind) channelType() discordgo.ChannelType {
	switch k {
	case ChannelKindVoice:
		return discordgo.ChannelTypeGuildVoice
	case ChannelKindCategory:
		return discordgo.ChannelTypeGuildCategory
	case ChannelKindForum:
		return discordgo.ChannelTypeGuildForum
	case ChannelKindStage:
		return discordgo.ChannelTypeGuildStageVoice
	case ChannelKindAnnouncement:
		return discordgo.ChannelTypeGuildNews
	default:
		return discordgo.ChannelTypeGuildText
	}
}

// voiceCapable reports whether a channel of this kind can hold an AFK
// assignment
func (k ChannelKind) voiceCapable() bool {
	return k == ChannelKindVoice || k == ChannelKindStage
}
