package config

// Config is the startup configuration. It is read once; the only field
// applied live by the watcher is booking.enabled (see Manager).
//
// All durations are Go duration strings (e.g. "5m", "2h").
type Config struct {
	// Timezone is the IANA zone all civil-time arithmetic happens in,
	// e.g. "Europe/Berlin". Required.
	Timezone string `json:"timezone"`

	Booking    BookingConfig    `json:"booking"`
	Check      CheckConfig      `json:"check"`
	Automation AutomationConfig `json:"automation"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`
	Logging LoggingConfig  `json:"logging"`
}

// BookingConfig holds the booking policy flag and the site login.
type BookingConfig struct {
	// Enabled gates the claim step only; checks and scheduling still run
	// when it is false.
	Enabled     bool        `json:"enabled"`
	Credentials Credentials `json:"credentials"`
}

type Credentials struct {
	Mail     string `json:"mail"`
	Password string `json:"password"`
}

type CheckConfig struct {
	// SafetyNetInterval is the recurring fallback pass. Default "2h".
	SafetyNetInterval string `json:"safety_net_interval,omitempty"`
	// PostStartDelay offsets each one-shot check past the slot's nominal
	// start. Default "5m".
	PostStartDelay string `json:"post_start_delay,omitempty"`
	// CycleTimeout bounds one whole check cycle. "0s" (default) disables
	// it; the safety-net pass is then the only recovery from a hang.
	CycleTimeout string `json:"cycle_timeout,omitempty"`
	// LedgerPath is the durable booking ledger file. Default "./bookings.json".
	LedgerPath string `json:"ledger_path,omitempty"`
}

type AutomationConfig struct {
	// Headless is a pointer so an omitted field defaults to true.
	Headless *bool `json:"headless,omitempty"`
	// StateDir stores the browser profile between runs.
	StateDir string `json:"state_dir,omitempty"`
	// PageLoadsPerMinute throttles navigation against the site. Default 20.
	PageLoadsPerMinute int `json:"page_loads_per_minute,omitempty"`
	// ScreenshotDir, when set, captures a proof screenshot after each claim.
	ScreenshotDir string `json:"screenshot_dir,omitempty"`
}

// StorageConfig controls the optional check-cycle audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls Telegram notifications for claim events.
type NotifyConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}
