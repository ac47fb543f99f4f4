package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c, err := Load([]string{".env", ".env.local"})
	if err != nil {
		panic(err)
	}
	return c
})

// LoadEnv loads the env files that exist in the working directory, falling
// back to the nearest directory holding go.mod.
func LoadEnv(envFiles []string) (int, error) {
	existing := existingFiles(envFiles, "")
	if len(existing) == 0 {
		if root, ok := findModuleRoot(); ok {
			existing = existingFiles(envFiles, root)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func existingFiles(envFiles []string, dir string) []string {
	out := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := file
		if dir != "" && !filepath.IsAbs(file) {
			path = filepath.Join(dir, file)
		}
		if fs.FileExists(path) {
			out = append(out, path)
		}
	}
	return out
}

func findModuleRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"outboxd"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"outboxd"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RedisOptions struct {
	// URL is empty when exhausted-record alerts are not forwarded to Redis.
	URL          string `env:"REDIS_URL"`
	AlertStream  string `env:"OUTBOX_ALERT_STREAM" envDefault:"outbox:exhausted"`
	AlertMaxLen  int64  `env:"OUTBOX_ALERT_STREAM_MAXLEN" envDefault:"10000"`
	AlertEnabled bool   `env:"OUTBOX_ALERT_REDIS_ENABLED" envDefault:"false"`
}

type OutboxOptions struct {
	// Table must be the migrated public.outbox_records while AutoMigrate is on.
	Table       string `env:"OUTBOX_TABLE" envDefault:"public.outbox_records"`
	AutoMigrate bool   `env:"OUTBOX_AUTO_MIGRATE" envDefault:"true"`
	// StrictPayloads rejects payload fields the registered shape does not declare.
	StrictPayloads bool `env:"OUTBOX_STRICT_PAYLOADS" envDefault:"false"`

	RelayEnabled           bool          `env:"OUTBOX_RELAY_ENABLED" envDefault:"true"`
	RelayPollInterval      time.Duration `env:"OUTBOX_RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize         int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"100"`
	RelayMaxBatchesPerTick int           `env:"OUTBOX_RELAY_MAX_BATCHES_PER_TICK" envDefault:"1"`
	RelayLeaseTTL          time.Duration `env:"OUTBOX_RELAY_LEASE_TTL" envDefault:"60s"`
	RelayPerTenant         bool          `env:"OUTBOX_RELAY_PER_TENANT" envDefault:"false"`
	RelayTenantConcurrency int           `env:"OUTBOX_RELAY_TENANT_CONCURRENCY" envDefault:"1"`
	HandlerTimeout         time.Duration `env:"OUTBOX_HANDLER_TIMEOUT" envDefault:"30s"`
	HandlerFailureMode     string        `env:"OUTBOX_HANDLER_FAILURE_MODE" envDefault:"stop_on_first_error"`

	EscalationThreshold int `env:"OUTBOX_ESCALATION_THRESHOLD" envDefault:"3"`
	MaxAttempts         int `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"3"`
	LastErrorMaxBytes   int `env:"OUTBOX_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"OUTBOX_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval  time.Duration `env:"OUTBOX_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"OUTBOX_CLEANER_RETENTION" envDefault:"168h"`

	RequeueEnabled     bool          `env:"OUTBOX_REQUEUE_ENABLED" envDefault:"false"`
	RequeueInterval    time.Duration `env:"OUTBOX_REQUEUE_INTERVAL" envDefault:"5s"`
	RequeueBaseBackoff time.Duration `env:"OUTBOX_REQUEUE_BASE_BACKOFF" envDefault:"1s"`
	RequeueMaxBackoff  time.Duration `env:"OUTBOX_REQUEUE_MAX_BACKOFF" envDefault:"60s"`
	RequeueJitterMax   time.Duration `env:"OUTBOX_REQUEUE_JITTER_MAX" envDefault:"200ms"`
}

// Validate checks the outbox configuration for errors
func (o *OutboxOptions) Validate() error {
	if strings.TrimSpace(o.Table) == "" {
		return fmt.Errorf("OUTBOX_TABLE must not be empty")
	}
	if o.AutoMigrate && !isMigratedTable(o.Table) {
		return fmt.Errorf("OUTBOX_TABLE=%q is not created by migrations; set OUTBOX_AUTO_MIGRATE=false and provision it yourself", o.Table)
	}
	if o.RelayBatchSize < 1 {
		return fmt.Errorf("OUTBOX_RELAY_BATCH_SIZE must be >= 1, got %d", o.RelayBatchSize)
	}
	if o.RelayTenantConcurrency < 1 {
		return fmt.Errorf("OUTBOX_RELAY_TENANT_CONCURRENCY must be >= 1, got %d", o.RelayTenantConcurrency)
	}
	if o.RelayPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_RELAY_POLL_INTERVAL must be positive, got %s", o.RelayPollInterval)
	}
	if o.EscalationThreshold < 1 {
		return fmt.Errorf("OUTBOX_ESCALATION_THRESHOLD must be >= 1, got %d", o.EscalationThreshold)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be >= 1, got %d", o.MaxAttempts)
	}
	mode := strings.ToLower(strings.TrimSpace(o.HandlerFailureMode))
	switch mode {
	case "", "stop_on_first_error", "run_all":
	default:
		return fmt.Errorf("invalid OUTBOX_HANDLER_FAILURE_MODE=%q (expected stop_on_first_error|run_all)", o.HandlerFailureMode)
	}
	o.HandlerFailureMode = mode
	return nil
}

func isMigratedTable(table string) bool {
	switch strings.ReplaceAll(strings.TrimSpace(table), " ", "") {
	case "outbox_records", "public.outbox_records":
		return true
	}
	return false
}

type Configuration struct {
	Database      DatabaseOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	Redis         RedisOptions
	Outbox        OutboxOptions

	OpsPort          int    `env:"OPS_PORT" envDefault:"3210"`
	OpsToken         string `env:"OPS_TOKEN" envDefault:""`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	// LogPath is empty to log to stdout only.
	LogPath string `env:"LOG_PATH" envDefault:""`

	RLSEnforce string `env:"RLS_ENFORCE" envDefault:"disabled"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

// Load reads env files and the environment into a new Configuration.
func Load(envFiles []string) (*Configuration, error) {
	c := &Configuration{}
	if err := c.load(envFiles); err != nil {
		c.Unload()
		return nil, err
	}
	return c, nil
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Outbox.Validate(); err != nil {
		return fmt.Errorf("outbox configuration error: %w", err)
	}
	if err := c.validateRLS(); err != nil {
		return err
	}
	if c.Redis.AlertEnabled && c.Redis.URL == "" {
		return fmt.Errorf("OUTBOX_ALERT_REDIS_ENABLED requires REDIS_URL")
	}

	if c.LogPath != "" {
		f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
		if err != nil {
			return err
		}
		c.logFile = f
		c.logger = logger
	} else {
		c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	}

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.OpsPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.OpsPort)
	}
	return nil
}

func (c *Configuration) validateRLS() error {
	mode := strings.ToLower(strings.TrimSpace(c.RLSEnforce))
	if mode == "" {
		mode = "disabled"
	}
	switch mode {
	case "disabled", "enforce":
	default:
		return fmt.Errorf("invalid RLS_ENFORCE=%q (expected disabled|enforce)", c.RLSEnforce)
	}

	if mode == "enforce" && strings.EqualFold(strings.TrimSpace(c.Database.User), "postgres") {
		return fmt.Errorf("RLS_ENFORCE=enforce requires a non-superuser DB_USER (postgres will bypass RLS)")
	}

	c.RLSEnforce = mode
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
