package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Port       int    `envconfig:"PORT" default:"8000"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:""`

	// StoreURL selects the shared store: redis://host:port/db,
	// sqlite:///path/to/file.db, memory:// (process-local) or empty for
	// none, which disables rate limiting and keeps history in memory only.
	StoreURL string `envconfig:"STORE_URL" default:"memory://"`

	// Session tokens
	SecretKey    string        `envconfig:"SECRET_KEY" default:"change-this-secret"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	RequireToken bool          `envconfig:"REQUIRE_TOKEN" default:"false"`

	// Command execution
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	TerminateGrace time.Duration `envconfig:"TERMINATE_GRACE" default:"5s"`
	Shell          string        `envconfig:"SHELL" default:"/bin/sh"`
	ProcessMode    string        `envconfig:"PROCESS_MODE" default:"persistent"`
	SecurityRules  string        `envconfig:"SECURITY_RULES" default:""`
	// ScrollbackSize bounds the buffered output of each persistent shell,
	// in go-units notation ("256KiB", "1MiB").
	ScrollbackSize string `envconfig:"SCROLLBACK_SIZE" default:"256KiB"`

	// History caps
	HistoryLimit        int `envconfig:"HISTORY_LIMIT" default:"1000"`
	SessionHistoryLimit int `envconfig:"SESSION_HISTORY_LIMIT" default:"100"`
	HistoryDefault      int `envconfig:"HISTORY_DEFAULT" default:"20"`

	// Rate limits (requests per RateWindow). CommandRate 0 disables
	// admission control on the WebSocket command path.
	SystemInfoRate int           `envconfig:"SYSTEM_INFO_RATE" default:"10"`
	HistoryRate    int           `envconfig:"HISTORY_RATE" default:"20"`
	CommandRate    int           `envconfig:"COMMAND_RATE" default:"0"`
	RateWindow     time.Duration `envconfig:"RATE_WINDOW" default:"60s"`

	SampleSchedule string `envconfig:"SAMPLE_SCHEDULE" default:"@every 10s"`
	// PurgeSchedule drops expired rate-limit counters from the memory and
	// sqlite stores; redis expires them itself.
	PurgeSchedule string `envconfig:"PURGE_SCHEDULE" default:"@every 10m"`

	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CBASH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Addr returns the address the HTTP server listens on. LISTEN_ADDR wins
// over PORT when both are set.
func (s Settings) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return fmt.Sprintf(":%d", s.Port)
}
