package main

import (
	"fmt"
	"os"

	"guildvault/objectstorage"
	"guildvault/snapshot"
	"guildvault/state"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "help")
	}

	switch os.Args[1] {
	case "capture", "restore", "list", "info", "delete", "export":
	default:
		fmt.Println("Guildvault Usage: guildvault <command>")
		fmt.Println("capture <guild_id> <creator_id> [options.yaml]: Captures a snapshot of a guild")
		fmt.Println("restore <guild_id> <snapshot_id>: Restores a snapshot into a guild")
		fmt.Println("list: Lists stored snapshot ids, newest first")
		fmt.Println("info <snapshot_id>: Prints snapshot metadata")
		fmt.Println("delete <snapshot_id>: Deletes a stored snapshot")
		fmt.Println("export <snapshot_id> <output_file> [encryption_key]: Exports a snapshot as a portable archive")
		os.Exit(1)
	}

	state.Setup()

	logger := state.Logger

	store, err := snapshot.NewStore(state.Config.Storage.BaseDir, logger)

	if err != nil {
		logger.Fatal("Error opening snapshot store", zap.Error(err))
	}

	engine := snapshot.New(state.Discord, state.BotUser, store, logger)
	engine.Transport = state.Transport
	engine.ProtectedRoleNames = state.Config.Restore.ProtectedRoleNames
	engine.ReportChannelName = state.Config.Restore.ReportChannelName
	engine.Constraints.Restore.MaxAttachmentFileSize = state.Config.Restore.MaxAttachmentFileSize

	if state.Config.ObjectStorage != nil {
		mirror, err := objectstorage.New(state.Config.ObjectStorage)

		if err != nil {
			logger.Fatal("Error setting up object storage mirror", zap.Error(err))
		}

		engine.Mirror = mirror
	}

	switch os.Args[1] {
	case "capture":
		if len(os.Args) < 4 {
			logger.Fatal("Usage: guildvault capture <guild_id> <creator_id> [options.yaml]")
		}

		var opts snapshot.CaptureOpts

		if len(os.Args) > 4 {
			optsFile, err := os.ReadFile(os.Args[4])

			if err != nil {
				logger.Fatal("Error reading options file", zap.Error(err))
			}

			var raw map[string]any

			if err := yaml.Unmarshal(optsFile, &raw); err != nil {
				logger.Fatal("Error parsing options file", zap.Error(err))
			}

			if err := mapstructure.Decode(raw, &opts); err != nil {
				logger.Fatal("Error decoding options", zap.Error(err))
			}
		}

		m, err := engine.Capture(state.Context, os.Args[2], os.Args[3], opts)

		if err != nil {
			logger.Fatal("Capture failed", zap.Error(err))
		}

		fmt.Println(m.ID)
	case "restore":
		if len(os.Args) < 4 {
			logger.Fatal("Usage: guildvault restore <guild_id> <snapshot_id>")
		}

		if err := engine.Restore(state.Context, os.Args[2], os.Args[3]); err != nil {
			logger.Fatal("Restore failed", zap.Error(err))
		}
	case "list":
		ids, err := engine.ListSnapshots()

		if err != nil {
			logger.Fatal("Error listing snapshots", zap.Error(err))
		}

		for _, id := range ids {
			fmt.Println(id)
		}
	case "info":
		if len(os.Args) < 3 {
			logger.Fatal("Usage: guildvault info <snapshot_id>")
		}

		m, err := engine.GetSnapshotInfo(os.Args[2])

		if err != nil {
			logger.Fatal("Error loading snapshot", zap.Error(err))
		}

		if m == nil {
			fmt.Println("no such snapshot")
			os.Exit(1)
		}

		fmt.Printf("id: %s\nguild: %s (%s)\ncreated: %s\ncreator: %s\nroles: %d\nchannels: %d\nemojis: %d\nstickers: %d\n",
			m.ID, m.GuildName, m.GuildID, m.CreatedAt, m.CreatorID, len(m.Roles), len(m.Channels), len(m.Emojis), len(m.Stickers))
	case "delete":
		if len(os.Args) < 3 {
			logger.Fatal("Usage: guildvault delete <snapshot_id>")
		}

		if err := engine.DeleteSnapshot(state.Context, os.Args[2]); err != nil {
			logger.Fatal("Error deleting snapshot", zap.Error(err))
		}
	case "export":
		if len(os.Args) < 4 {
			logger.Fatal("Usage: guildvault export <snapshot_id> <output_file> [encryption_key]")
		}

		var key string

		if len(os.Args) > 4 {
			key = os.Args[4]
		}

		out, err := os.Create(os.Args[3])

		if err != nil {
			logger.Fatal("Error creating output file", zap.Error(err))
		}

		defer out.Close()

		if err := engine.Export(os.Args[2], key, out); err != nil {
			logger.Fatal("Export failed", zap.Error(err))
		}
	}
}
