package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/dashboard"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/identity"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/state"
	"github.com/Maphikza/datafi-verifier.git/internal/storage"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/verification"
	"github.com/Maphikza/datafi-verifier.git/lib/signer"
)

const devStorageSecret = "datafi development secret"

// app is the daemon's object graph.
type app struct {
	db           *gorm.DB
	bus          *events.Bus
	gateway      contract.Gateway
	memory       *contract.MemoryGateway
	signer       *auth.EthSigner
	user         common.Address
	challenges   *auth.ChallengeStore
	verifier     *auth.Verifier
	storage      storage.Client
	tracker      *tracker.Tracker
	orchestrator *verification.Orchestrator
	dashboard    *dashboard.Dashboard
	devMode      bool
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{
		bus:     events.NewBus(),
		devMode: viper.GetBool("dev_mode"),
	}

	key, err := a.loadKey()
	if err != nil {
		return nil, err
	}
	a.signer = auth.NewEthSigner(key)
	a.user = crypto.PubkeyToAddress(key.PublicKey)

	if a.db, err = database.Open(viper.GetString("db_path")); err != nil {
		return nil, err
	}

	a.challenges = auth.NewChallengeStore(a.db, viper.GetDuration("challenge_ttl"))
	a.verifier = auth.NewVerifier(a.challenges)
	a.tracker = tracker.New(a.db, a.bus)

	if a.gateway, err = a.openGateway(ctx, key); err != nil {
		a.Close()
		return nil, err
	}
	if a.storage, err = a.openStorage(); err != nil {
		a.Close()
		return nil, err
	}

	widget := identity.NewWidget(identity.Config{
		WidgetURL:   viper.GetString("identity_widget_url"),
		AppName:     viper.GetString("identity_app_name"),
		Scope:       viper.GetString("identity_scope"),
		CallbackURL: viper.GetString("identity_callback_url"),
		MinimumAge:  viper.GetInt("identity_minimum_age"),
	}, a.bus)

	a.orchestrator = verification.New(verification.Deps{
		Gateway: a.gateway,
		Storage: a.storage,
		Widget:  widget,
		Tracker: a.tracker,
		State:   state.New(a.db, nil),
		Auth:    a.verifier,
		Bus:     a.bus,
	})
	a.dashboard = dashboard.New(a.gateway, a.tracker, a.storage, a.db)

	logger.Info("DataFi daemon ready", "signer", a.user.Hex(), "dev_mode", a.devMode)
	return a, nil
}

// loadKey resolves the signer from config. Development mode falls back to a
// throwaway key.
func (a *app) loadKey() (*ecdsa.PrivateKey, error) {
	key, err := signer.LoadEthKey(viper.GetString("signer_private_key"), viper.GetString("signer_mnemonic"))
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, signer.ErrNoSigner) || !a.devMode {
		return nil, fmt.Errorf("failed to load signer: %w", err)
	}

	logger.Warn("No signer configured, using an ephemeral development key")
	return crypto.GenerateKey()
}

func (a *app) openGateway(ctx context.Context, key *ecdsa.PrivateKey) (contract.Gateway, error) {
	if a.devMode {
		a.memory = contract.NewMemoryGateway(a.user)
		pool, err := a.memory.SeedSamplePool(ctx, a.user)
		if err != nil {
			return nil, fmt.Errorf("failed to seed sample pool: %w", err)
		}
		logger.Info("Development ledger seeded", "pool", pool.Hex())
		return a.memory, nil
	}

	factory := viper.GetString("pool_factory_address")
	if !common.IsHexAddress(factory) {
		return nil, fmt.Errorf("pool_factory_address %q is not an address", factory)
	}
	return contract.DialEthGateway(ctx, contract.EthConfig{
		RPCURL:         viper.GetString("rpc_url"),
		ChainID:        viper.GetInt64("chain_id"),
		FactoryAddress: common.HexToAddress(factory),
		PrivateKey:     key,
		TxTimeout:      viper.GetDuration("tx_timeout"),
	})
}

func (a *app) openStorage() (storage.Client, error) {
	switch backend := viper.GetString("storage_backend"); backend {
	case "http":
		return storage.NewHTTPClient(viper.GetString("storage_url"), viper.GetString("storage_api_key"), a.verifier)
	case "local", "":
		secret := viper.GetString("storage_master_secret")
		if secret == "" && a.devMode {
			logger.Warn("storage_master_secret is empty, using the development secret")
			secret = devStorageSecret
		}
		return storage.NewLocalClient(a.db, secret, a.verifier)
	default:
		return nil, fmt.Errorf("unknown storage_backend %q", backend)
	}
}

func (a *app) Close() {
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}
}
