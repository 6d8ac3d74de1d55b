package main

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/api"
	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/engine"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type runtime struct {
	cfg      config.Config
	database *gorm.DB
	parent   *zap.Logger
	logger   *zap.SugaredLogger
}

// setup loads the config, builds the logger and opens the store.
func setup(c *cobra.Command) (*runtime, error) {
	configFile, err := c.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewConfig(configFile)
	if err != nil {
		return nil, oaeerr.Wrap(oaeerr.InvalidInput, "config", err)
	}

	enableDebug, err := c.Flags().GetBool("debug")
	if err != nil {
		return nil, err
	}
	parentLogger, err := cfg.CreateLogger(enableDebug)
	if err != nil {
		return nil, oaeerr.Wrap(oaeerr.InvalidInput, "config.log", err)
	}

	database, err := db.NewMysqlDB(cfg.Database)
	if err != nil {
		return nil, oaeerr.Wrap(oaeerr.StorageUnavailable, "db.open", err)
	}
	return &runtime{cfg: cfg, database: database, parent: parentLogger, logger: parentLogger.Sugar()}, nil
}

func (rt *runtime) close() {
	if err := db.Close(rt.database); err != nil {
		rt.logger.Errorf("Failed to close database, error: %v", err)
	}
	_ = rt.parent.Sync()
}

// withEngine runs fn against an assembled but not started engine.
func withEngine(c *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	e, err := engine.New(&rt.cfg, rt.database, rt.logger)
	if err != nil {
		return oaeerr.Wrap(oaeerr.AdapterUnavailable, "engine.new", err)
	}
	return fn(c.Context(), e)
}

func principalFlag(c *cobra.Command) string {
	principal, _ := c.Flags().GetString("principal")
	return principal
}

func oneArg(c *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(c, args); err != nil {
		return oaeerr.Wrap(oaeerr.InvalidInput, c.CommandPath(), err)
	}
	return nil
}

func parseId(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, oaeerr.Wrap(oaeerr.InvalidInput, "cli.id", err)
	}
	return id, nil
}

func printJSON(c *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(c.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func StartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the pollers, workers and the local API until interrupted",
		RunE:  RootAction,
	}
}

func RootAction(c *cobra.Command, _ []string) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	applied, err := db.Migrate(rt.database)
	if err != nil {
		rt.close()
		return err
	}
	if applied > 0 {
		rt.logger.Infof("Applied %d migrations", applied)
	}

	oae, err := engine.New(&rt.cfg, rt.database, rt.logger)
	if err != nil {
		rt.close()
		return oaeerr.Wrap(oaeerr.AdapterUnavailable, "engine.new", err)
	}
	server := api.New(rt.cfg.Api, oae, rt.logger)

	addInterruptHandler(func() {
		rt.logger.Info("Closing database...")
		rt.close()
	})
	oae.Start()
	addInterruptHandler(func() {
		rt.logger.Infof("Stopping onchain engine, chains: %v", oae.Chains())
		oae.Stop()
		oae.WaitForShutdown()
	})
	server.Start()
	addInterruptHandler(func() {
		rt.logger.Info("Stopping API server...")
		server.Stop()
	})

	var serveErr error
	select {
	case <-interruptHandlersDone:
	case serveErr = <-server.Err():
		requestShutdown()
		<-interruptHandlersDone
	}
	rt.parent.Info("Shutdown complete")
	return serveErr
}

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(c *cobra.Command, _ []string) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()
			applied, err := db.Migrate(rt.database)
			if err != nil {
				return err
			}
			version, err := db.SchemaVersion(rt.database)
			if err != nil {
				return err
			}
			rt.logger.Infof("Applied %d migrations, schema version: %d", applied, version)
			return nil
		},
	}
}

func TickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one poll, notify, settle, payout and reconcile pass",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.Tick(ctx)
			})
		},
	}
}
