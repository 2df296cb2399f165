package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Exec backend selection
	Backend       string `envconfig:"BACKEND" default:"auto"`
	K8sNamespace  string `envconfig:"K8S_NAMESPACE" default:"default"`
	Kubeconfig    string `envconfig:"KUBECONFIG" default:""`
	DockerHost    string `envconfig:"DOCKER_HOST" default:""`
	SSHKeyPath    string `envconfig:"SSH_KEY_PATH" default:""`
	SSHKnownHosts string `envconfig:"SSH_KNOWN_HOSTS" default:""`
	ProfilesFile  string `envconfig:"PROFILES_FILE" default:""`

	// Session registry settings
	IdleTimeout      string `envconfig:"IDLE_TIMEOUT" default:"5m"`
	CloseGrace       string `envconfig:"CLOSE_GRACE" default:"30s"`
	SweepSchedule    string `envconfig:"SWEEP_SCHEDULE" default:"@every 30s"`
	ScrollbackBytes  int    `envconfig:"SCROLLBACK_BYTES" default:"1048576"`
	MaxCols          int    `envconfig:"MAX_COLS" default:"500"`
	MaxRows          int    `envconfig:"MAX_ROWS" default:"200"`
	RTTStampInterval string `envconfig:"RTT_STAMP_INTERVAL" default:"5s"`
	RecordingEnabled bool   `envconfig:"RECORDING_ENABLED" default:"false"`

	// Session history; empty disables it
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
}

// MaxDimension is the largest terminal size a backend can carry (uint16).
const MaxDimension = 65535

var Cfg Settings

func Load() {
	if err := envconfig.Process("TERMBRIDGE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed. A malformed value is logged once per call.
func Duration(name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Printf("Invalid %s %q, using %s", name, value, def)
		return def
	}
	return d
}

// Validate reports settings that would make the bridge unusable.
func (s Settings) Validate() error {
	switch s.Backend {
	case "auto", "kubernetes", "docker", "ssh", "local":
	default:
		return fmt.Errorf("unknown backend %q (want auto, kubernetes, docker, ssh or local)", s.Backend)
	}
	if s.MaxCols <= 0 || s.MaxRows <= 0 {
		return fmt.Errorf("max dimensions must be positive, got %dx%d", s.MaxCols, s.MaxRows)
	}
	if s.MaxCols > MaxDimension || s.MaxRows > MaxDimension {
		return fmt.Errorf("max dimensions must not exceed %d, got %dx%d", MaxDimension, s.MaxCols, s.MaxRows)
	}
	if s.ScrollbackBytes < 0 {
		return fmt.Errorf("scrollback bytes must not be negative")
	}
	return nil
}
