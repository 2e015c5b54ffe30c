package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Mode selects between simulation and live execution. Only the exact
	// value "live" arms live mode.
	Mode string

	// AssetDenom is the base denom of the vault's underlying asset.
	AssetDenom string
	// AssetSymbol is the display symbol of the underlying asset.
	AssetSymbol string
	// AssetDecimals is the underlying asset's decimal precision.
	AssetDecimals int

	// VaultAddress is the vault's own account address.
	VaultAddress string
	// FeeCollector is the address fee shares are minted to.
	FeeCollector string

	// WeiPerShare is the share price scaler (shares per base unit when the
	// vault is empty).
	WeiPerShare uint64

	// Fee schedule in basis points.
	PerfFeeBps  int64
	MgmtFeeBps  int64
	EntryFeeBps int64
	ExitFeeBps  int64

	// MaxTotalAssets caps deposits; zero disables the cap.
	MaxTotalAssets int64
	// MinLiquidity is the idle balance floor withdrawals may not break.
	MinLiquidity int64
	// ProfitCooldown bounds fee collection frequency.
	ProfitCooldown time.Duration

	// MaxSlippageBps is the per-input slippage tolerance.
	MaxSlippageBps int64
	// SlippageMode is "compounded" or "per_leg".
	SlippageMode string
	// DustThreshold is the smallest amount worth moving.
	DustThreshold int64

	// CycleInterval is the settlement loop interval.
	CycleInterval time.Duration
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	Mode, err = getEnv("YVM_MODE")
	if err != nil {
		return err
	}

	AssetDenom, err = getEnv("YVM_ASSET_DENOM")
	if err != nil {
		return err
	}

	AssetSymbol, err = getEnv("YVM_ASSET_SYMBOL")
	if err != nil {
		return err
	}

	AssetDecimals, err = getEnvAsInt("YVM_ASSET_DECIMALS")
	if err != nil {
		return err
	}

	VaultAddress, err = getEnv("YVM_VAULT_ADDRESS")
	if err != nil {
		return err
	}

	FeeCollector, err = getEnv("YVM_FEE_COLLECTOR")
	if err != nil {
		return err
	}

	WeiPerShare, err = getEnvAsUint64("YVM_WEI_PER_SHARE")
	if err != nil {
		return err
	}

	PerfFeeBps, err = getEnvAsInt64("YVM_PERF_FEE_BPS")
	if err != nil {
		return err
	}

	MgmtFeeBps, err = getEnvAsInt64("YVM_MGMT_FEE_BPS")
	if err != nil {
		return err
	}

	EntryFeeBps, err = getEnvAsInt64("YVM_ENTRY_FEE_BPS")
	if err != nil {
		return err
	}

	ExitFeeBps, err = getEnvAsInt64("YVM_EXIT_FEE_BPS")
	if err != nil {
		return err
	}

	MaxTotalAssets, err = getEnvAsInt64("YVM_MAX_TOTAL_ASSETS")
	if err != nil {
		return err
	}

	MinLiquidity, err = getEnvAsInt64("YVM_MIN_LIQUIDITY")
	if err != nil {
		return err
	}

	cooldownSec, err := getEnvAsInt64("YVM_PROFIT_COOLDOWN_SECONDS")
	if err != nil {
		return err
	}
	ProfitCooldown = time.Duration(cooldownSec) * time.Second

	MaxSlippageBps, err = getEnvAsInt64("YVM_MAX_SLIPPAGE_BPS")
	if err != nil {
		return err
	}

	SlippageMode, err = getEnv("YVM_SLIPPAGE_MODE")
	if err != nil {
		return err
	}

	DustThreshold, err = getEnvAsInt64("YVM_DUST_THRESHOLD")
	if err != nil {
		return err
	}

	intervalSec, err := getEnvAsInt64("YVM_CYCLE_INTERVAL_SECONDS")
	if err != nil {
		return err
	}
	if intervalSec <= 0 {
		return errors.New("YVM_CYCLE_INTERVAL_SECONDS must be positive")
	}
	CycleInterval = time.Duration(intervalSec) * time.Second

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("Mode", Mode).
		Str("AssetDenom", AssetDenom).
		Int64("PerfFeeBps", PerfFeeBps).
		Int64("MgmtFeeBps", MgmtFeeBps).
		Dur("CycleInterval", CycleInterval).
		Msg("Configuration loaded successfully.")

	return nil
}

// IsLive reports whether live execution is armed. Anything other than the
// exact value "live" is simulation.
func IsLive() bool {
	return Mode == "live"
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsInt64 retrieves an environment variable as an int64. Returns error if not set or invalid.
func getEnvAsInt64(key string) (int64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	value, err := getEnvAsInt64(key)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}
