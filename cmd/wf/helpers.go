package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/db"
	"github.com/zulandar/workforce/internal/logging"
	"github.com/zulandar/workforce/internal/notify"
	"github.com/zulandar/workforce/internal/notify/discord"
	"github.com/zulandar/workforce/internal/notify/slack"
	"gorm.io/gorm"
)

const defaultConfigPath = "workforce.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Workforce config file")
}

// connectFromConfig loads the config file and opens its database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// newLogger builds the process logger from the log section of cfg.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	return logging.New(w, cfg.Log.Level, cfg.Log.Format)
}

// buildNotifier fans events out to every configured chat channel and always
// to the log.
func buildNotifier(cfg *config.Config, log *slog.Logger) (notify.Notifier, error) {
	multi := notify.Multi{notify.LogNotifier{Log: log}}
	if s := cfg.Notify.Slack; s.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: s.BotToken, ChannelID: s.ChannelID})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	if d := cfg.Notify.Discord; d.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: d.BotToken, ChannelID: d.ChannelID})
		if err != nil {
			return nil, err
		}
		multi = append(multi, n)
	}
	return multi, nil
}

// readJSONArg accepts an inline JSON document or @path and checks that it
// parses.
func readJSONArg(arg string, readFile func(string) ([]byte, error)) ([]byte, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if arg[0] == '@' {
		var err error
		data, err = readFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", arg[1:], err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON document")
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
