// Package config reads the environment variables recognized by the
// indexer through envconfig: one tagged struct, typed defaults, and a
// single Process call. An unparseable value is a fatal startup error.
package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/atlasindexer/atlas/arch/library"
	"github.com/atlasindexer/atlas/internal/apperr"
)

// Config holds every tunable the indexer recognizes.
type Config struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBUsername  string `envconfig:"DB_USERNAME" default:"postgres"`
	DBPassword  string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBHost      string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort      string `envconfig:"DB_PORT" default:"5432"`
	DBName      string `envconfig:"DB_NAME" default:"atlas"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"2"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"20"`

	ArchNodeURL          string `envconfig:"ARCH_NODE_URL" default:"http://127.0.0.1:9002"`
	ArchNodeWebsocketURL string `envconfig:"ARCH_NODE_WEBSOCKET_URL" default:"ws://127.0.0.1:9003"`
	ArchNodeInsecureTLS  bool   `envconfig:"ARCH_NODE_INSECURE_TLS" default:"false"`

	BulkBatchSize     int      `envconfig:"ARCH_BULK_BATCH_SIZE" default:"1000"`
	MaxConcurrency    int      `envconfig:"ARCH_MAX_CONCURRENCY" default:"64"`
	FetchWindowSize   int      `envconfig:"ARCH_FETCH_WINDOW_SIZE" default:"4096"`
	InitialBackoffMS  int      `envconfig:"ARCH_INITIAL_BACKOFF_MS" default:"200"`
	MaxRetries        int      `envconfig:"ARCH_MAX_RETRIES" default:"5"`
	FastForwardWindow uint64   `envconfig:"ARCH_FAST_FORWARD_WINDOW" default:"10000"`
	BuiltinPrograms   []string `envconfig:"ARCH_BUILTIN_PROGRAMS"`

	ResetDB      bool `envconfig:"RESET_DB" default:"false"`
	ResetAndExit bool `envconfig:"RESET_AND_EXIT" default:"false"`
	ApplyTSTZFix bool `envconfig:"APPLY_TS_TZ_FIX" default:"false"`

	UseCopyBulk    bool   `envconfig:"ATLAS_USE_COPY_BULK" default:"false"`
	CheckpointPath string `envconfig:"ATLAS_CHECKPOINT_PATH" default:"./data/checkpoint.db"`
	Runtime        string `envconfig:"INDEXER_RUNTIME" default:"atlas"`
	MetricsAddr    string `envconfig:"METRICS_ADDR"`
	RealtimeAddr   string `envconfig:"ATLAS_REALTIME_ADDR" default:":8081"`

	DebounceMS         int `envconfig:"ATLAS_DEBOUNCE_MS" default:"250"`
	ReconnectIntervalS int `envconfig:"ATLAS_RECONNECT_INTERVAL_S" default:"5"`
	MaxReconnectTries  int `envconfig:"ATLAS_MAX_RECONNECT_ATTEMPTS" default:"10"`
	WSChannelCapacity  int `envconfig:"ATLAS_WS_CHANNEL_CAPACITY" default:"1000"`
	ClientBufferSize   int `envconfig:"ATLAS_CLIENT_BUFFER_SIZE" default:"100"`

	// Derived below, not read from the environment.
	DebounceInterval  time.Duration `ignored:"true"`
	ReconnectInterval time.Duration `ignored:"true"`
}

// Load reads the process environment and derives the composite fields:
// the database URL when only its parts are set, the duration tunables,
// and the normalized builtin-program list.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, apperr.Fatalf("read environment: %v", err)
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "postgres://" + c.DBUsername + ":" + c.DBPassword +
			"@" + c.DBHost + ":" + c.DBPort + "/" + c.DBName
	}
	c.BuiltinPrograms = normalizePrograms(c.BuiltinPrograms)
	c.DebounceInterval = time.Duration(c.DebounceMS) * time.Millisecond
	c.ReconnectInterval = time.Duration(c.ReconnectIntervalS) * time.Second
	return c, nil
}

// normalizePrograms trims the comma-split builtin program ids,
// stripping a leading "0x" from any hex-looking entry.
func normalizePrograms(ids []string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if library.Has0xPrefix(id) {
			id = id[2:]
		}
		out = library.UniqueAppend(out, id)
	}
	return out
}
