//go:build discord

package main

import (
	"context"
	"io"
	"log/slog"

	"konvo/internal/adapter/channel"
	"konvo/internal/domain"
	"konvo/internal/infra/config"
)

func buildVettingUI(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *slog.Logger) (domain.ConversationUI, func() error, error) {
	if cfg.Discord.Token == "" || cfg.Discord.ChannelID == "" {
		return channel.NewConsole(in, out, log), func() error { return nil }, nil
	}
	d := channel.NewDiscord(cfg.Discord.Token, cfg.Discord.ChannelID, log)
	if err := d.Start(ctx); err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}
