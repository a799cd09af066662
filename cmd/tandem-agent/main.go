package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem/internal/config"
	"github.com/tandemlabs/tandem/internal/database"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/outbox"
	"github.com/tandemlabs/tandem/internal/replica"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"github.com/tandemlabs/tandem/internal/transport"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-agent",
		Short: "Tandem replica sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-base-url", "", "Sync server base URL")
	cmd.PersistentFlags().String("access-token", "", "Bearer token for the sync server")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database.path"), "SQLite database path")
	cmd.PersistentFlags().String("user-id", "", "Replica user identifier")
	cmd.PersistentFlags().String("workspace-id", "", "Workspace identifier")
	cmd.PersistentFlags().Duration("push-interval", defaults.GetDuration("agent.push_interval"), "Outbox push interval")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("agent.sync_interval"), "Stream pull interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "agent.server.base_url", "server-base-url")
	bindFlag(cmd, "agent.access_token", "access-token")
	bindFlag(cmd, "agent.database.path", "database-path")
	bindFlag(cmd, "agent.user_id", "user-id")
	bindFlag(cmd, "agent.workspace_id", "workspace-id")
	bindFlag(cmd, "agent.push_interval", "push-interval")
	bindFlag(cmd, "agent.sync_interval", "sync-interval")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenReplicaSQLite(agentConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: agentConfig.ServerBaseURL,
		Token:   agentConfig.AccessToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	bus := events.NewBus()
	replicaService, err := replica.NewService(replica.ServiceConfig{
		Database:    db,
		UserID:      agentConfig.UserID,
		WorkspaceID: agentConfig.WorkspaceID,
		IDs:         node.NewUUIDProvider(),
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	outboxService, err := outbox.NewService(outbox.ServiceConfig{
		Database:    db,
		WorkspaceID: agentConfig.WorkspaceID,
		Pusher:      client,
		Reverter:    replicaService,
		Fetcher:     client,
		Applier:     replicaService,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Every locally queued mutation nudges the push loop immediately; the
	// interval only covers retries after failures.
	bus.Subscribe(func(event events.Event) {
		if event.Name() == events.NameMutationCreated {
			outboxService.TriggerPush()
		}
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go outboxService.Run(signalCtx, agentConfig.PushInterval, agentConfig.SyncInterval, agentConfig.SyncInterval)
	go runSyncLoop(signalCtx, db, replicaService, client, agentConfig, logger)

	logger.Info("agent started",
		zap.String("server", agentConfig.ServerBaseURL),
		zap.String("user_id", agentConfig.UserID),
		zap.String("workspace_id", agentConfig.WorkspaceID))

	<-signalCtx.Done()
	return nil
}

// runSyncLoop pulls the collaboration stream first, then the node and
// interaction streams for every root the user can see.
func runSyncLoop(ctx context.Context, db *gorm.DB, replicaService *replica.Service, client *transport.Client, agentConfig config.AgentConfig, logger *zap.Logger) {
	ticker := time.NewTicker(agentConfig.SyncInterval)
	defer ticker.Stop()

	for {
		syncOnce(ctx, db, replicaService, client, agentConfig.UserID, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func syncOnce(ctx context.Context, db *gorm.DB, replicaService *replica.Service, client *transport.Client, userID string, logger *zap.Logger) {
	if err := replicaService.Synchronize(ctx, client, synchronizer.KindCollaborations, "me"); err != nil {
		logger.Warn("collaboration sync failed", zap.Error(err))
	}

	var roots []string
	err := db.WithContext(ctx).
		Model(&node.Collaboration{}).
		Distinct("node_id").
		Where("collaborator_id = ? AND deleted_at_s IS NULL", userID).
		Pluck("node_id", &roots).Error
	if err != nil {
		logger.Warn("failed to list visible roots", zap.Error(err))
		return
	}

	for _, rootID := range roots {
		if err := replicaService.Synchronize(ctx, client, synchronizer.KindNodes, rootID); err != nil {
			logger.Warn("node sync failed", zap.String("root_id", rootID), zap.Error(err))
		}
		if err := replicaService.Synchronize(ctx, client, synchronizer.KindInteractions, rootID); err != nil {
			logger.Warn("interaction sync failed", zap.String("root_id", rootID), zap.Error(err))
		}
	}
}
