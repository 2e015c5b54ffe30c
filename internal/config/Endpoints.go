package config

import (
	"github.com/rs/zerolog/log"
)

// Endpoint and infrastructure configuration loaded from environment
// variables. These are populated at startup by the LoadConfig function.
var (
	// OracleGRPC is the gRPC endpoint of the price oracle service.
	OracleGRPC string

	// WebPort is the port the HTTP API listens on.
	WebPort string

	// Database connection parameters.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	OracleGRPC, err = getEnv("ORACLE_GRPC")
	if err != nil {
		return err
	}

	WebPort, err = getEnv("WEB_PORT")
	if err != nil {
		return err
	}

	DBHost, err = getEnv("DB_HOST")
	if err != nil {
		return err
	}

	DBPort, err = getEnvAsInt("DB_PORT")
	if err != nil {
		return err
	}

	DBUser, err = getEnv("DB_USER")
	if err != nil {
		return err
	}

	DBPassword, err = getEnv("DB_PASSWORD")
	if err != nil {
		return err
	}

	DBName, err = getEnv("DB_NAME")
	if err != nil {
		return err
	}

	DBSSLMode, err = getEnv("DB_SSLMODE")
	if err != nil {
		return err
	}

	log.Debug().
		Str("OracleGRPC", OracleGRPC).
		Str("WebPort", WebPort).
		Str("DBHost", DBHost).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
