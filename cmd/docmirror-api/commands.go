package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/auth"
	"github.com/MarcoPoloResearchLab/docmirror/internal/config"
	"github.com/MarcoPoloResearchLab/docmirror/internal/database"
	"github.com/MarcoPoloResearchLab/docmirror/internal/documents"
	"github.com/MarcoPoloResearchLab/docmirror/internal/logging"
	"github.com/MarcoPoloResearchLab/docmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/docmirror/internal/users"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application bundles the storage-backed services shared by every command.
type application struct {
	db        *gorm.DB
	mirror    *mirror.Mirror
	users     *users.Service
	documents *documents.Service
}

func openApplication(appConfig config.AppConfig, logger *zap.Logger, recorder mirror.Recorder) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app := &application{db: db}

	app.mirror, err = mirror.New(mirror.Config{
		Root:       appConfig.MirrorRoot,
		Filesystem: afero.NewOsFs(),
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.users, err = users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.documents, err = documents.NewService(documents.ServiceConfig{
		Database:   db,
		Mirror:     app.mirror,
		Owners:     app.users,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) Close() {
	if a == nil || a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newMirrorSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror-sync",
		Short: "Rewrite every mirror file from the database and remove orphans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirrorSync(cmd.Context())
		},
	}
}

func runMirrorSync(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := openApplication(appConfig, logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.documents.ReconcileMirrors(ctx)
	logger.Info("mirror sync finished",
		zap.String("mirror_root", app.mirror.Root()),
		zap.Int("written", report.Written),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed))
	return err
}

func newIssueSessionCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = appConfig.SessionTTL
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSession(auth.SessionIdentity{
				UserID:      strings.TrimSpace(userID),
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Subject of the issued session")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to tauth.session_ttl_minutes)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
