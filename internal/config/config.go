// Package config loads the engine's configuration from a .env file or
// the process environment: home-directory .env first, then cwd .env, then
// bare environment variables. One struct per worker, composed into the
// top-level EngineConfig.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultRelays is used whenever a request or publish names none and the
// author's kind-10002 relay list is unknown.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// RingConfig sizes the SPSC rings internal/engine wires between workers.
type RingConfig struct {
	IngestCapacity     uint32 `env:"RING_INGEST_CAPACITY" envDefault:"1048576"`
	CacheReqCapacity   uint32 `env:"RING_CACHE_REQ_CAPACITY" envDefault:"262144"`
	WsRequestCapacity  uint32 `env:"RING_WS_REQUEST_CAPACITY" envDefault:"262144"`
	WsResponseCapacity uint32 `env:"RING_WS_RESPONSE_CAPACITY" envDefault:"1048576"`
	CryptoCapacity     uint32 `env:"RING_CRYPTO_CAPACITY" envDefault:"65536"`
	StatusCapacity     uint32 `env:"RING_STATUS_CAPACITY" envDefault:"16384"`
}

// RelayConfig holds the default relay set and connection limits.
type RelayConfig struct {
	DefaultRelays     []string `env:"NOSTR_RELAYS" envSeparator:";"`
	MaxRelays         int      `env:"MAX_RELAYS" envDefault:"8"`
	ReconnectAttempts int      `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
}

// StoreConfig sizes the local event store.
type StoreConfig struct {
	MaxBufferSize int    `env:"STORE_MAX_BUFFER_SIZE" envDefault:"16777216"`
	PersistPath   string `env:"STORE_PERSIST_PATH" envDefault:""`
}

// SignerConfig configures the crypto worker's active signer.
type SignerConfig struct {
	NostrPrivateKey string   `env:"NOSTR_PRIVATE_KEY"`
	Nip46RemotePK   string   `env:"NIP46_REMOTE_PUBKEY"`
	Nip46Relays     []string `env:"NIP46_RELAYS" envSeparator:";"`
}

// ParserConfig bounds the subscription/parser worker: concurrency
// permits and host batch buffer thresholds. BatchFlushMillis is loaded but
// not passed to the parser, whose flush timeout is fixed at 50 ms.
type ParserConfig struct {
	MaxConcurrentSubscriptions int `env:"MAX_CONCURRENT_SUBSCRIPTIONS" envDefault:"36"`
	BatchFlushBytes            int `env:"BATCH_FLUSH_BYTES" envDefault:"16384"`
	BatchFlushMillis           int `env:"BATCH_FLUSH_MILLIS" envDefault:"50"`
}

// EngineConfig is the top-level configuration composing every worker's
// section, loaded once by the host (cmd/nostrengine).
type EngineConfig struct {
	Ring   RingConfig
	Relay  RelayConfig
	Store  StoreConfig
	Signer SignerConfig
	Parser ParserConfig
}

// LoadConfig loads configuration for T from an .env file found in the
// user's home directory, the current directory, or (failing both) bare
// process environment variables.
func LoadConfig[T any]() (*T, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("config: could not determine home directory", "error", err)
	}
	if homeDir != "" {
		if _, err := os.Stat(homeDir + "/.env"); err == nil {
			return loadFromEnv[T](homeDir + "/.env")
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		return loadFromEnv[T]("")
	}
	return loadFromEnv[T]("")
}

func loadFromEnv[T any](path string) (*T, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Warn("config: could not load .env file", "path", path, "error", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &cfg, nil
}

// LoadEngineConfig loads the composed EngineConfig and fills in
// RelayConfig.DefaultRelays from config.DefaultRelays when the environment
// named none.
func LoadEngineConfig() (*EngineConfig, error) {
	cfg, err := LoadConfig[EngineConfig]()
	if err != nil {
		return nil, err
	}
	if len(cfg.Relay.DefaultRelays) == 0 {
		cfg.Relay.DefaultRelays = DefaultRelays
	}
	return cfg, nil
}
