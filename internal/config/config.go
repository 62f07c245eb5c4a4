package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig loads .env secrets and the JSON config file, creating a default
// config file on first run.
func LoadConfig() error {
	// Secrets such as the signer key are kept out of config.json.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("DATAFI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	setDefaults()

	return nil
}

// setDefaults sets default configuration values based on the environment
func setDefaults() {
	env := viper.GetString("ENV")
	if env == "" {
		env = "development"
		viper.Set("ENV", env)
	}

	if env == "development" {
		viper.SetDefault("allowed_origin", "http://localhost:3000")
		viper.SetDefault("db_path", "./dev_datafi.db")
		viper.SetDefault("log_level", "debug")
		viper.SetDefault("rpc_url", "http://127.0.0.1:8545")
		viper.SetDefault("chain_id", 31337)
		viper.SetDefault("dev_mode", true)
		viper.SetDefault("identity_callback_url", "http://localhost:9004/pools/{pool}/identity/callback")
	} else if env == "production" {
		viper.SetDefault("allowed_origin", "https://app.datafi.xyz")
		viper.SetDefault("db_path", "/var/lib/datafi/datafi.db")
		viper.SetDefault("log_level", "info")
		viper.SetDefault("rpc_url", "https://sepolia.base.org")
		viper.SetDefault("chain_id", 84532)
		viper.SetDefault("dev_mode", false)
		viper.SetDefault("identity_callback_url", "https://api.datafi.xyz/pools/{pool}/identity/callback")
	}

	viper.SetDefault("log_file", "./datafi.log")
	viper.SetDefault("api_port", 9004)
	viper.SetDefault("socket_path", "/tmp/datafi.sock")
	viper.SetDefault("pool_factory_address", "")
	viper.SetDefault("signer_private_key", "")
	viper.SetDefault("signer_mnemonic", "")
	viper.SetDefault("storage_backend", "local")
	viper.SetDefault("storage_url", "https://encryption.datafi.xyz/api/v1")
	viper.SetDefault("storage_api_key", "")
	viper.SetDefault("storage_master_secret", "")
	viper.SetDefault("identity_widget_url", "https://redirect.self.xyz")
	viper.SetDefault("identity_app_name", "DataFi")
	viper.SetDefault("identity_scope", "datafi-seller-verification")
	viper.SetDefault("identity_minimum_age", 18)
	viper.SetDefault("jwt_keys_dir", "./jwtkeys")
	viper.SetDefault("challenge_ttl", "2m")
	viper.SetDefault("tx_timeout", "2m")
}

// createDefaultConfig creates a new configuration file if it doesn't exist
func createDefaultConfig() error {
	setDefaults()

	err := viper.SafeWriteConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileAlreadyExistsError); ok {
			err = viper.WriteConfig()
			if err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
		} else {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	fmt.Println("Created default configuration file")
	return nil
}
