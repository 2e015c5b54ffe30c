package main

import (
	"context"
	"crypto/tls"
	"os"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openyield/yvm/internal/allocator"
	"github.com/openyield/yvm/internal/config"
	"github.com/openyield/yvm/internal/engine"
	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/ledger"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/oracle"
	"github.com/openyield/yvm/internal/requests"
	"github.com/openyield/yvm/internal/state"
	"github.com/openyield/yvm/internal/types"
	"github.com/openyield/yvm/internal/vault"
	"github.com/openyield/yvm/internal/web"
)

// main is the entry point for the YVM system.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("YVM Core Logic Starting...")

	// Initialize Database Connection
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	// --- 2. Safety Switch ---
	if !config.IsLive() {
		log.Fatal().Msg("YVM_MODE is not set to 'live'. Halting to prevent accidental execution. Set YVM_MODE=live to run.")
	}
	log.Warn().Msg("Initializing YVM in LIVE mode. Real capital will move.")

	// Initialize gRPC Connection to the price oracle
	grpcEndpoint := config.OracleGRPC
	var creds grpc.DialOption
	if strings.Contains(grpcEndpoint, ":443") {
		creds = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	grpcClient, err := grpc.NewClient(grpcEndpoint, creds)
	if err != nil {
		log.Fatal().Err(err).Msg("gRPC connection error")
	}
	defer grpcClient.Close()
	log.Info().Str("endpoint", grpcEndpoint).Msg("Oracle gRPC connected")

	priceOracle, err := oracle.NewGRPCOracle(grpcClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create price oracle client")
	}

	// --- 3. Core Wiring ---
	asset := types.Token{
		Denom:    config.AssetDenom,
		Symbol:   config.AssetSymbol,
		Decimals: config.AssetDecimals,
	}
	emitter := events.Tee{events.NewMemory(1000), state.PersistentEmitter{}}

	led, err := ledger.NewLedger(ledger.Config{
		Asset:        asset,
		VaultAddress: config.VaultAddress,
		FeeCollector: config.FeeCollector,
		WeiPerShare:  sdkmath.NewIntFromUint64(config.WeiPerShare),
		Fees: types.Fees{
			PerfBps:  config.PerfFeeBps,
			MgmtBps:  config.MgmtFeeBps,
			EntryBps: config.EntryFeeBps,
			ExitBps:  config.ExitFeeBps,
		},
		MaxTotalAssets: sdkmath.NewInt(config.MaxTotalAssets),
		MinLiquidity:   sdkmath.NewInt(config.MinLiquidity),
		ProfitCooldown: config.ProfitCooldown,
		Emitter:        emitter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create share ledger")
	}

	eng, err := engine.NewEngine(engine.Config{
		Asset:          asset,
		Treasury:       led,
		Oracle:         priceOracle,
		MaxSlippageBps: config.MaxSlippageBps,
		SlippageMode:   types.SlippageMode(config.SlippageMode),
		DustThreshold:  sdkmath.NewInt(config.DustThreshold),
		Emitter:        emitter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocation engine")
	}
	queue := requests.NewQueue(asset, priceOracle, emitter, nil)

	alloc, err := allocator.NewAllocator(allocator.Config{
		Treasury:       led,
		Emitter:        emitter,
		MaxSlippageBps: config.MaxSlippageBps,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocator")
	}

	// Both the engine's positions and the allocator's strategy debt back
	// the share price.
	led.AttachInvestedSource(ledger.MultiSource{eng, alloc})

	manager, err := vault.NewManager(vault.Config{
		Ledger:    led,
		Queue:     queue,
		Engine:    eng,
		Allocator: alloc,
		Store:     state.Store{},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create vault manager")
	}

	// --- 4. Start Web Server ---
	webServer := web.NewWebServer(web.Config{
		Port:      config.WebPort,
		Ledger:    led,
		Queue:     queue,
		Engine:    eng,
		Allocator: alloc,
	})
	go func() {
		log.Info().Str("port", config.WebPort).Msg("Starting YVM web API")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 5. Start Settlement Loop ---
	interval := config.CycleInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	log.Info().Str("interval", interval.String()).Msg("Starting YVM settlement loop")

	ctx := context.Background()
	manager.RunLoop(ctx, interval)
}
