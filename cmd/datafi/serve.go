package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Maphikza/datafi-verifier.git/internal/api"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/ipc"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

// challengeSweepInterval is how often stale challenges are marked expired.
const challengeSweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification daemon",
	Long: `Starts the HTTP API for the browser front end and the local socket used by
the other commands. With dev_mode enabled the daemon runs against an in-memory
ledger seeded with a sample pool.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dev, _ := cmd.Flags().GetBool("dev"); dev {
			viper.Set("dev_mode", true)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jwtKey, err := api.EnsureJWTKey(viper.GetString("jwt_keys_dir"))
		if err != nil {
			return err
		}

		server, err := ipc.NewServer(viper.GetString("socket_path"))
		if err != nil {
			return fmt.Errorf("failed to open daemon socket: %w", err)
		}
		defer server.Close()
		go server.Serve(ctx, a.handle)
		go server.Forward(ctx, a.bus)
		go a.sweepChallenges(ctx)

		httpAPI := api.NewServer(api.Deps{
			Gateway:       a.gateway,
			Orchestrator:  a.orchestrator,
			Dashboard:     a.dashboard,
			Tracker:       a.tracker,
			Challenges:    a.challenges,
			Verifier:      a.verifier,
			JWTKey:        jwtKey,
			AllowedOrigin: viper.GetString("allowed_origin"),
		})
		logger.Info("Daemon socket listening", "path", viper.GetString("socket_path"))
		return httpAPI.ListenAndServe(ctx, viper.GetInt("api_port"))
	},
}

func (a *app) sweepChallenges(ctx context.Context) {
	ticker := time.NewTicker(challengeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.challenges.ExpireOld(); err != nil {
				logger.Warn("Failed to expire challenges", "error", err)
			}
		}
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the local database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("db_path")
		db, err := database.Open(path)
		if err != nil {
			return err
		}
		defer database.Close(db)

		fmt.Printf("Database ready at %s\n", path)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("dev", false, "run against the in-memory development ledger")
}
