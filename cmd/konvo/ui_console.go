//go:build !discord

package main

import (
	"context"
	"io"
	"log/slog"

	"konvo/internal/adapter/channel"
	"konvo/internal/domain"
	"konvo/internal/infra/config"
)

func buildVettingUI(_ context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *slog.Logger) (domain.ConversationUI, func() error, error) {
	if cfg.Discord.Token != "" {
		log.Warn("discord vetting requires a build with -tags discord; using the console")
	}
	return channel.NewConsole(in, out, log), func() error { return nil }, nil
}
