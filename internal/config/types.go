package config

// Config is the whole wabridge configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Network   NetworkConfig   `json:"network"`
	Creds     CredsConfig     `json:"credentials"`
	Database  DatabaseConfig  `json:"database"`
	Sessions  SessionsConfig  `json:"sessions"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

// TelegramConfig configures the control-surface transport.
type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserID receives subscription requests and may open the admin panel.
	AdminUserID int64 `json:"admin_user_id"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	// Operator forwards WARN+ lines to the admin's Telegram chat.
	Operator struct {
		Enabled    bool   `json:"enabled"`
		MinLevel   string `json:"min_level,omitempty"`
		RatePerSec int    `json:"rate_per_sec,omitempty"`
	} `json:"operator"`
}

// NetworkConfig selects the messaging-network client driver.
type NetworkConfig struct {
	// Driver names a registered network driver ("sim" ships with the repo).
	Driver string `json:"driver"`
	// PairingSettle delays numeric pairing-code requests after client
	// startup (default "3s"). Requests issued before the client handshake
	// settles reliably fail upstream.
	PairingSettle string `json:"pairing_settle,omitempty"`
	// PairingTimeout bounds how long a session may wait for the tenant to
	// complete pairing (default "2m").
	PairingTimeout string `json:"pairing_timeout,omitempty"`
}

// CredsConfig configures the credential store.
type CredsConfig struct {
	// Driver is "file" (default) or "sqlite".
	Driver string `json:"driver"`
	// Path is the store root directory (file) or database file (sqlite).
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DatabaseConfig configures the shared tenant database (entitlements,
// reply rules, settings, contact history).
type DatabaseConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SessionsConfig struct {
	// RestoreDelay is the inter-tenant throttle during boot restoration
	// (default "5s") so simultaneous client startups don't stampede.
	RestoreDelay string `json:"restore_delay,omitempty"`
	// RetrySpacing is the minimum spacing between consecutive immediate
	// reconnects of the same tenant for the same cause (default "10s").
	RetrySpacing string `json:"retry_spacing,omitempty"`
	// BackoffBase/BackoffMax bound the reconnect backoff window
	// (defaults "5s" / "5m").
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
}

type BroadcastConfig struct {
	// DefaultPace is the per-destination send spacing used when a job
	// doesn't specify one (default "300ms"). Sending without spacing
	// triggers upstream rate limiting.
	DefaultPace string `json:"default_pace,omitempty"`
	// StatusTTL/StatusMax bound the finished-job status map.
	StatusTTL string `json:"status_ttl,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
}
