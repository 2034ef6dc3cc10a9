package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         string
	DatabaseURL  string
	OwnerAddress string
	ChainID      uint64
	LogLevel     string
	FHE          FHEConfig
}

type FHEConfig struct {
	// DataDir is the badger directory holding ciphertext records and
	// grant ACLs. Empty selects in-memory mode (dev and tests).
	DataDir string
	// MasterKeyHex is the 32-byte AES key sealing ciphertext records.
	// Empty generates an ephemeral key, which does not survive restart.
	MasterKeyHex string
}

func Load() *Config {
	return &Config{
		Port:         getEnv("SERVICE_PORT", "8090"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		OwnerAddress: getEnv("OWNER_ADDRESS", ""),
		ChainID:      uint64(getEnvInt("CHAIN_ID", 31337)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		FHE: FHEConfig{
			DataDir:      getEnv("FHE_DATA_DIR", ""),
			MasterKeyHex: getEnv("FHE_MASTER_KEY", ""),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
