package relayd

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/errpage"
	"pkt.systems/relayd/internal/location"
	"pkt.systems/relayd/internal/sched"
)

const (
	// DefaultListen is the client-facing endpoint.
	DefaultListen = ":8080"
	// DefaultMaxAge evicts requests that wait longer than this for a backend.
	DefaultMaxAge = 60 * time.Second
	// DefaultMaxRetries bounds re-forwards of an idempotent request.
	DefaultMaxRetries = 5
	// DefaultBufferThreshold is the size at which messages switch to streaming.
	DefaultBufferThreshold = 10 << 20
	// DefaultReadBuffer is the per-connection socket read size.
	DefaultReadBuffer = 16 << 10
	// DefaultConnsPerServer is the number of backend connections kept per server.
	DefaultConnsPerServer = 4
	// DefaultSweepInterval is the forwarding-queue maintenance cadence.
	DefaultSweepInterval = time.Second
	// DefaultIdleTimeout closes silent client connections.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultOnError is the block action for failed requests.
	DefaultOnError = "reply"
	// DefaultOnAttack is the block action for malformed or blocked requests.
	DefaultOnAttack = "drop"
	// DefaultScheduler picks connections round-robin.
	DefaultScheduler = "round-robin"
	// DefaultGroup names the group used when no groups are configured.
	DefaultGroup = "default"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultGuardThreshold is the malformed-request count that blocks a client.
	DefaultGuardThreshold = 10
)

// GroupConfig describes one server group.
type GroupConfig struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Servers []string `yaml:"servers" mapstructure:"servers"`
	// Conns is the number of connections kept to each server.
	Conns int `yaml:"conns,omitempty" mapstructure:"conns"`
	// Zero values inherit the top-level settings.
	MaxAge             time.Duration `yaml:"max-age,omitempty" mapstructure:"max-age"`
	MaxRetries         *int          `yaml:"max-retries,omitempty" mapstructure:"max-retries"`
	RetryNonIdempotent *bool         `yaml:"retry-nonidempotent,omitempty" mapstructure:"retry-nonidempotent"`
	QueueSize          int           `yaml:"queue-size,omitempty" mapstructure:"queue-size"`
}

// StaticResponse is a fixed answer served from the cache stage without
// contacting a backend.
type StaticResponse struct {
	Method      string `yaml:"method,omitempty" mapstructure:"method"`
	Host        string `yaml:"host,omitempty" mapstructure:"host"`
	Path        string `yaml:"path" mapstructure:"path"`
	Status      int    `yaml:"status,omitempty" mapstructure:"status"`
	ContentType string `yaml:"content-type,omitempty" mapstructure:"content-type"`
	Body        string `yaml:"body,omitempty" mapstructure:"body"`
}

// Config captures the runtime configuration for the proxy.
type Config struct {
	Listen     string
	ReusePort  bool
	ReadBuffer int64
	// MaxHeaderBytes bounds a message head; zero uses the parser default.
	MaxHeaderBytes int
	// IdleTimeout closes client connections with nothing pending.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	MaxAge             time.Duration
	MaxRetries         int
	RetryNonIdempotent bool
	QueueSize          int
	OnError            string
	OnErrorLog         bool
	OnAttack           string
	OnAttackLog        bool
	BufferThreshold    int64
	MaxPipeline        int

	Scheduler      string
	Groups         []GroupConfig
	Locations      []location.Spec
	ResponseBodies map[string]string
	Static         []StaticResponse

	DenyMethods      []string
	AllowUpgrade     bool
	StickyCookie     bool
	StickyCookieName string
	StickyMaxAge     time.Duration

	HealthInterval  time.Duration
	HealthThreshold int
	HealthURI       string

	GuardEnabled      bool
	GuardThreshold    int
	GuardWindow       time.Duration
	GuardBlock        time.Duration
	GuardProbeTimeout time.Duration

	DialTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	GiveUpAfter  uint

	CacheWorkers int
	CacheQueue   int

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration

	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if c.MaxHeaderBytes < 0 {
		return fmt.Errorf("config: max-header-bytes must be >= 0")
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("config: timeouts must be >= 0")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("config: max-age must be >= 0")
	}
	if c.MaxRetries < 0 || c.MaxRetries > math.MaxUint16 {
		return fmt.Errorf("config: max-retries must be within 0..%d", math.MaxUint16)
	}
	if c.QueueSize < 0 || c.MaxPipeline < 0 {
		return fmt.Errorf("config: queue-size and max-pipeline must be >= 0")
	}
	if c.OnError == "" {
		c.OnError = DefaultOnError
	}
	if _, err := core.ParseBlockAction(c.OnError); err != nil {
		return fmt.Errorf("config: on-error: %w", err)
	}
	if c.OnAttack == "" {
		c.OnAttack = DefaultOnAttack
	}
	if _, err := core.ParseBlockAction(c.OnAttack); err != nil {
		return fmt.Errorf("config: on-attack: %w", err)
	}
	if c.BufferThreshold < 0 {
		return fmt.Errorf("config: buffer-threshold must be >= 0")
	}
	if c.Scheduler == "" {
		c.Scheduler = DefaultScheduler
	}
	if _, err := sched.ParseMode(c.Scheduler); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.validateGroups(); err != nil {
		return err
	}
	if len(c.Locations) == 0 {
		c.Locations = []location.Spec{{Name: "default", Prefix: "/", Group: c.Groups[0].Name}}
	}
	if _, err := location.NewTable(c.Locations); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, loc := range c.Locations {
		if loc.Group != "" && !c.hasGroup(loc.Group) {
			return fmt.Errorf("config: location %q references unknown group %q", loc.Name, loc.Group)
		}
	}
	for key := range c.ResponseBodies {
		if _, err := errpage.NewSet(map[string][]byte{key: nil}); err != nil {
			return fmt.Errorf("config: response-bodies: %w", err)
		}
	}
	for i := range c.Static {
		sr := &c.Static[i]
		if !strings.HasPrefix(sr.Path, "/") {
			return fmt.Errorf("config: static response path %q must start with /", sr.Path)
		}
		if sr.Method == "" {
			sr.Method = http.MethodGet
		}
		if sr.Status == 0 {
			sr.Status = http.StatusOK
		}
		if sr.Status < 100 || sr.Status > 999 {
			return fmt.Errorf("config: static response %s: invalid status %d", sr.Path, sr.Status)
		}
	}
	if c.HealthThreshold < 0 || c.HealthInterval < 0 {
		return fmt.Errorf("config: health settings must be >= 0")
	}
	if c.GuardEnabled && c.GuardThreshold == 0 {
		c.GuardThreshold = DefaultGuardThreshold
	}
	if c.CacheWorkers < 0 || c.CacheQueue < 0 {
		return fmt.Errorf("config: cache settings must be >= 0")
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func (c *Config) validateGroups() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("config: at least one server group is required")
	}
	seen := make(map[string]bool, len(c.Groups))
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Name == "" {
			if i == 0 {
				g.Name = DefaultGroup
			} else {
				return fmt.Errorf("config: group %d has no name", i)
			}
		}
		if seen[g.Name] {
			return fmt.Errorf("config: duplicate group %q", g.Name)
		}
		seen[g.Name] = true
		if len(g.Servers) == 0 {
			return fmt.Errorf("config: group %q has no servers", g.Name)
		}
		for _, addr := range g.Servers {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("config: group %q server %q: %w", g.Name, addr, err)
			}
		}
		if g.Conns <= 0 {
			g.Conns = DefaultConnsPerServer
		}
		if g.MaxAge < 0 || g.QueueSize < 0 {
			return fmt.Errorf("config: group %q limits must be >= 0", g.Name)
		}
		if g.MaxRetries != nil && (*g.MaxRetries < 0 || *g.MaxRetries > math.MaxUint16) {
			return fmt.Errorf("config: group %q max-retries out of range", g.Name)
		}
	}
	return nil
}

func (c *Config) hasGroup(name string) bool {
	for _, g := range c.Groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// GroupPolicy resolves the forwarding limits of g against the top-level
// defaults.
func (c *Config) GroupPolicy(g GroupConfig) core.GroupPolicy {
	p := core.GroupPolicy{
		MaxAge:             c.MaxAge,
		MaxRetries:         c.MaxRetries,
		RetryNonIdempotent: c.RetryNonIdempotent,
		QueueSize:          c.QueueSize,
	}
	if g.MaxAge > 0 {
		p.MaxAge = g.MaxAge
	}
	if g.MaxRetries != nil {
		p.MaxRetries = *g.MaxRetries
	}
	if g.RetryNonIdempotent != nil {
		p.RetryNonIdempotent = *g.RetryNonIdempotent
	}
	if g.QueueSize > 0 {
		p.QueueSize = g.QueueSize
	}
	return p
}

// Settings builds the core settings snapshot. Call after Validate.
func (c *Config) Settings() core.Settings {
	onError, _ := core.ParseBlockAction(c.OnError)
	onAttack, _ := core.ParseBlockAction(c.OnAttack)
	return core.Settings{
		OnError:         onError,
		OnErrorLog:      c.OnErrorLog,
		OnAttack:        onAttack,
		OnAttackLog:     c.OnAttackLog,
		BufferThreshold: c.BufferThreshold,
		MaxPipeline:     c.MaxPipeline,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.relayd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RELAYD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayd"), nil
}
