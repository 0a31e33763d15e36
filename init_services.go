// Package main: service wire-up.
//
// The registry and the fan-out need each other (the registry notifies the
// fan-out, the fan-out reads the registry for pull queries), so both are
// built first and bound afterwards.
package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/qrattend/config"
	"github.com/akinalp/qrattend/pkg/archive"
	"github.com/akinalp/qrattend/pkg/email"
	"github.com/akinalp/qrattend/pkg/fingerprint"
	"github.com/akinalp/qrattend/pkg/metrics"
	"github.com/akinalp/qrattend/services"
	"github.com/akinalp/qrattend/ws"
)

// Services groups the business layer.
type Services struct {
	Auth     services.AuthService
	Classes  *services.CachedClassDirectory
	Rotator  *services.TokenRotator
	Registry *services.SessionRegistry
	Engine   *services.ValidationEngine
	Fanout   *services.Fanout
	Export   *services.ExportService
	Reports  *services.ReportService
	History  *services.HistoryService
}

// initServices builds the services and registers the ended-session hooks.
// Archive and email are optional and only wired when configured.
func initServices(ctx context.Context, cfg *config.Config, repos *Repositories, hub *ws.Hub, m *metrics.Metrics) (*Services, error) {
	hasher, err := fingerprint.NewHasher(cfg.Session.FingerprintKey)
	if err != nil {
		return nil, fmt.Errorf("fingerprint hasher: %w", err)
	}

	classes := services.NewClassDirectory(repos.Classes, cfg.Classes.CacheTTL)
	rotator := services.NewTokenRotator(cfg.Session.RotationInterval, m)
	registry := services.NewSessionRegistry(repos.Sessions, repos.Attendance, classes, rotator, cfg.Session.EndedRetention, m)

	fanout := services.NewFanout(hub, cfg.Server.ShutdownRetryAfter, m)
	fanout.BindReader(registry)
	registry.SetNotifier(fanout)

	var storage archive.ObjectStorage
	if cfg.Archive.Enabled() {
		client, err := archive.NewClient(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("archive client: %w", err)
		}
		storage, err = archive.NewMinioStorage(ctx, client, cfg.Archive.Bucket)
		if err != nil {
			return nil, fmt.Errorf("archive storage: %w", err)
		}
		log.Info().Str("component", "main").Str("bucket", cfg.Archive.Bucket).Msg("session archive enabled")
	}

	var sender email.ReportSender
	if cfg.Email.Enabled() {
		sender = email.NewResendSender(cfg.Email.ResendAPIKey, cfg.Email.From)
		log.Info().Str("component", "main").Msg("session report email enabled")
	}

	export := services.NewExportService(registry, storage)
	reports := services.NewReportService(classes, sender)
	if storage != nil {
		fanout.OnSessionEnded("archive", export.Archive)
	}
	if sender != nil {
		fanout.OnSessionEnded("report", reports.Send)
	}

	return &Services{
		Auth:     services.NewAuthService(cfg.JWT.Secret),
		Classes:  classes,
		Rotator:  rotator,
		Registry: registry,
		Engine:   services.NewValidationEngine(registry, hasher, m),
		Fanout:   fanout,
		Export:   export,
		Reports:  reports,
		History:  services.NewHistoryService(repos.Attendance),
	}, nil
}
