package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Maphikza/datafi-verifier.git/internal/config"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "datafi",
	Short: "DataFi seller verification service",
	Long: `Runs the DataFi verification daemon and talks to it from the command line.
Start the daemon with "datafi serve"; every other pool command is sent to it
over the local socket.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("socket", "", "daemon socket path (default from config)")
	viper.BindPFlag("socket_path", rootCmd.PersistentFlags().Lookup("socket"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(poolsCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(flowCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(emailCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(purchaseCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(keygenCmd)
}

func initConfig() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if err := logger.Init(viper.GetString("log_file"), viper.GetString("log_level")); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
