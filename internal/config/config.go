package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Destination kinds.
const (
	KindPeer       = "peer"
	KindArchiveAPI = "archive_api"
	KindFilesystem = "filesystem"
)

type Config struct {
	Service      ServiceConfig                `koanf:"service"`
	Storage      StorageConfig                `koanf:"storage"`
	Crosswalk    CrosswalkConfig              `koanf:"crosswalk"`
	Verification VerificationConfig           `koanf:"verification"`
	Retention    RetentionConfig              `koanf:"retention"`
	Health       HealthConfig                 `koanf:"health"`
	Events       EventsConfig                 `koanf:"events"`
	Destinations map[string]DestinationConfig `koanf:"destinations"`
	Brokers      map[string]BrokerConfig      `koanf:"brokers"`
	Routes       []RouteConfig                `koanf:"routes"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type StorageConfig struct {
	BaseDir    string `koanf:"base_dir"`
	ScriptsDir string `koanf:"scripts_dir"`
	CacheDir   string `koanf:"cache_dir"`
}

type CrosswalkConfig struct {
	Path          string `koanf:"path"`
	MaxBackups    int    `koanf:"max_backups"`
	RetentionDays int    `koanf:"retention_days"`
}

type VerificationConfig struct {
	UIDsChanged        bool `koanf:"uids_changed"`
	PatientIdentity    bool `koanf:"patient_identity"`
	DateShift          bool `koanf:"date_shift"`
	DateToleranceDays  int  `koanf:"date_tolerance_days"`
	StreamThresholdMiB int  `koanf:"stream_threshold_mib"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

type HealthConfig struct {
	CheckIntervalSeconds int `koanf:"check_interval_seconds"`
}

// EventsConfig publishes terminal transfer records to Kafka. Disabled by
// default; the pipeline never blocks on it.
type EventsConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// DestinationConfig is one globally registered destination. Kind selects
// which field group applies.
type DestinationConfig struct {
	Kind    string `koanf:"kind"`
	Enabled *bool  `koanf:"enabled"`

	// peer
	AETitle        string    `koanf:"ae_title"`
	Host           string    `koanf:"host"`
	Port           int       `koanf:"port"`
	CallingAETitle string    `koanf:"calling_ae_title"`
	TLS            TLSConfig `koanf:"tls"`

	// archive_api
	BaseURL  string `koanf:"base_url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	PoolSize int    `koanf:"pool_size"`

	// filesystem
	BasePath           string `koanf:"base_path"`
	DirectoryPattern   string `koanf:"directory_pattern"`
	NamingPattern      string `koanf:"naming_pattern"`
	OrganizeByListener bool   `koanf:"organize_by_listener"`

	TimeoutSeconds int `koanf:"timeout_seconds"`
	MaxRetries     int `koanf:"max_retries"`
}

// IsEnabled defaults to true when the field is omitted.
func (d *DestinationConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type BrokerConfig struct {
	Scheme          string          `koanf:"scheme"`
	Prefix          string          `koanf:"prefix"`
	DateShift       DateShiftConfig `koanf:"date_shift"`
	HashUIDs        bool            `koanf:"hash_uids"`
	CacheTTLSeconds int             `koanf:"cache_ttl_seconds"`
	MaxCacheSize    int             `koanf:"max_cache_size"`
	Script          string          `koanf:"script"`
}

type DateShiftConfig struct {
	Enabled bool `koanf:"enabled"`
	MinDays int  `koanf:"min_days"`
	MaxDays int  `koanf:"max_days"`
}

type RouteConfig struct {
	AETitle                string             `koanf:"ae_title"`
	Port                   int                `koanf:"port"`
	TLS                    TLSConfig          `koanf:"tls"`
	WorkerThreads          int                `koanf:"worker_threads"`
	MaxConcurrentTransfers int                `koanf:"max_concurrent_transfers"`
	QuietPeriodSeconds     int                `koanf:"quiet_period_seconds"`
	RateLimitPerMinute     int                `koanf:"rate_limit_per_minute"`
	ValidationRules        []ValidationRule   `koanf:"validation_rules"`
	FilterRules            []FilterRule       `koanf:"filter_rules"`
	RoutingRules           []RoutingRule      `koanf:"routing_rules"`
	TagModifications       []TagModification  `koanf:"tag_modifications"`
	Destinations           []RouteDestination `koanf:"destinations"`
}

// RouteDestination is the per-edge settings of the Route→Destination
// many-to-many relation.
type RouteDestination struct {
	Name              string `koanf:"name"`
	Anonymize         bool   `koanf:"anonymize"`
	ScriptName        string `koanf:"script_name"`
	ProjectID         string `koanf:"project_id"`
	SubjectPrefix     string `koanf:"subject_prefix"`
	SessionPrefix     string `koanf:"session_prefix"`
	AutoArchive       bool   `koanf:"auto_archive"`
	Priority          int    `koanf:"priority"`
	RetryCount        int    `koanf:"retry_count"`
	RetryDelaySeconds int    `koanf:"retry_delay_seconds"`
	UseBroker         bool   `koanf:"use_broker"`
	BrokerName        string `koanf:"broker_name"`
}

// Rule operators shared by tag_value validation, filter, and routing rules.
const (
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpMatches    = "matches"
	OpIn         = "in"
)

type ValidationRule struct {
	Type      string `koanf:"type"` // required_tag | tag_value | tag_length
	Tag       string `koanf:"tag"`
	Operator  string `koanf:"operator"`
	Value     string `koanf:"value"`
	MinLength int    `koanf:"min_length"`
	MaxLength int    `koanf:"max_length"`
	OnFailure string `koanf:"on_failure"` // reject | warn | log
}

type FilterRule struct {
	Action   string `koanf:"action"` // include | exclude
	Tag      string `koanf:"tag"`
	Operator string `koanf:"operator"`
	Value    string `koanf:"value"`
}

type RoutingRule struct {
	Name         string   `koanf:"name"`
	Tag          string   `koanf:"tag"`
	Operator     string   `koanf:"operator"`
	Value        string   `koanf:"value"`
	Destinations []string `koanf:"destinations"`
}

type TagModification struct {
	Action    string `koanf:"action"` // set | remove | copy_from_tag | prefix | suffix | hash
	Tag       string `koanf:"tag"`
	Value     string `koanf:"value"`
	SourceTag string `koanf:"source_tag"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RADGATE_SERVICE__HTTP_LISTEN → service.http_listen
	if err := k.Load(env.Provider("RADGATE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RADGATE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "radgate-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			BaseDir:    "/var/lib/radgate",
			ScriptsDir: "/var/lib/radgate/scripts",
			CacheDir:   "/var/lib/radgate/cache",
		},
		Crosswalk: CrosswalkConfig{
			Path:          "/var/lib/radgate/crosswalk/crosswalk.db",
			MaxBackups:    10,
			RetentionDays: 30,
		},
		Verification: VerificationConfig{
			UIDsChanged:        true,
			PatientIdentity:    true,
			DateShift:          true,
			StreamThresholdMiB: 2048,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
		Health: HealthConfig{
			CheckIntervalSeconds: 30,
		},
		Events: EventsConfig{
			ClientID: "radgate",
			Topic:    "radgate.transfers",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Events.Brokers) == 1 && strings.Contains(cfg.Events.Brokers[0], ",") {
		cfg.Events.Brokers = strings.Split(cfg.Events.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("config: storage.base_dir is required")
	}
	if c.Crosswalk.Path == "" {
		return fmt.Errorf("config: crosswalk.path is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Health.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("config: health.check_interval_seconds must be > 0 (got %d)", c.Health.CheckIntervalSeconds)
	}
	if c.Verification.StreamThresholdMiB <= 0 {
		return fmt.Errorf("config: verification.stream_threshold_mib must be > 0 (got %d)", c.Verification.StreamThresholdMiB)
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("config: events.brokers is required when events.enabled")
	}

	for name, d := range c.Destinations {
		if err := d.validate(name); err != nil {
			return err
		}
	}
	for name, b := range c.Brokers {
		if err := b.validate(name); err != nil {
			return err
		}
	}
	seenAE := map[string]bool{}
	seenPort := map[int]bool{}
	for i := range c.Routes {
		r := &c.Routes[i]
		if err := r.validate(i, c.Destinations, c.Brokers); err != nil {
			return err
		}
		if seenAE[r.AETitle] {
			return fmt.Errorf("config: routes[%d]: duplicate ae_title %q", i, r.AETitle)
		}
		seenAE[r.AETitle] = true
		if seenPort[r.Port] {
			return fmt.Errorf("config: routes[%d]: duplicate port %d", i, r.Port)
		}
		seenPort[r.Port] = true
	}
	return nil
}

func (d *DestinationConfig) validate(name string) error {
	switch d.Kind {
	case KindPeer:
		if d.AETitle == "" || d.Host == "" || d.Port <= 0 {
			return fmt.Errorf("config: destination %s: peer needs ae_title, host, and port", name)
		}
	case KindArchiveAPI:
		if d.BaseURL == "" {
			return fmt.Errorf("config: destination %s: archive_api needs base_url", name)
		}
	case KindFilesystem:
		if d.BasePath == "" {
			return fmt.Errorf("config: destination %s: filesystem needs base_path", name)
		}
	default:
		return fmt.Errorf("config: destination %s: unknown kind %q", name, d.Kind)
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("config: destination %s: timeout_seconds must be >= 0 (got %d)", name, d.TimeoutSeconds)
	}
	return nil
}

var validSchemes = map[string]bool{
	"adjective_animal": true,
	"color_animal":     true,
	"nato_phonetic":    true,
	"sequential":       true,
	"hash":             true,
	"script":           true,
}

func (b *BrokerConfig) validate(name string) error {
	if !validSchemes[b.Scheme] {
		return fmt.Errorf("config: broker %s: unknown scheme %q", name, b.Scheme)
	}
	if b.Scheme == "script" && b.Script == "" {
		return fmt.Errorf("config: broker %s: scheme script needs a script expression", name)
	}
	if b.DateShift.Enabled && b.DateShift.MinDays > b.DateShift.MaxDays {
		return fmt.Errorf("config: broker %s: date_shift.min_days > max_days", name)
	}
	return nil
}

var validOperators = map[string]bool{
	OpEquals: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpMatches: true, OpIn: true,
}

func (r *RouteConfig) validate(i int, dests map[string]DestinationConfig, brokers map[string]BrokerConfig) error {
	if r.AETitle == "" {
		return fmt.Errorf("config: routes[%d]: ae_title is required", i)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("config: routes[%d]: port %d out of range", i, r.Port)
	}
	if r.WorkerThreads <= 0 {
		r.WorkerThreads = 2
	}
	if r.MaxConcurrentTransfers <= 0 {
		r.MaxConcurrentTransfers = 4
	}
	if r.QuietPeriodSeconds <= 0 {
		r.QuietPeriodSeconds = 60
	}
	if r.RateLimitPerMinute < 0 {
		return fmt.Errorf("config: routes[%d]: rate_limit_per_minute must be >= 0", i)
	}
	if len(r.Destinations) == 0 {
		return fmt.Errorf("config: routes[%d]: at least one destination is required", i)
	}
	for j, v := range r.ValidationRules {
		switch v.Type {
		case "required_tag", "tag_length":
		case "tag_value":
			if !validOperators[v.Operator] {
				return fmt.Errorf("config: routes[%d].validation_rules[%d]: unknown operator %q", i, j, v.Operator)
			}
		default:
			return fmt.Errorf("config: routes[%d].validation_rules[%d]: unknown type %q", i, j, v.Type)
		}
		switch v.OnFailure {
		case "", "reject", "warn", "log":
		default:
			return fmt.Errorf("config: routes[%d].validation_rules[%d]: unknown on_failure %q", i, j, v.OnFailure)
		}
	}
	for j, f := range r.FilterRules {
		if f.Action != "include" && f.Action != "exclude" {
			return fmt.Errorf("config: routes[%d].filter_rules[%d]: unknown action %q", i, j, f.Action)
		}
		if !validOperators[f.Operator] {
			return fmt.Errorf("config: routes[%d].filter_rules[%d]: unknown operator %q", i, j, f.Operator)
		}
	}
	for j, rr := range r.RoutingRules {
		if !validOperators[rr.Operator] {
			return fmt.Errorf("config: routes[%d].routing_rules[%d]: unknown operator %q", i, j, rr.Operator)
		}
		if len(rr.Destinations) == 0 {
			return fmt.Errorf("config: routes[%d].routing_rules[%d]: destinations is required", i, j)
		}
		for _, d := range rr.Destinations {
			if _, ok := dests[d]; !ok {
				return fmt.Errorf("config: routes[%d].routing_rules[%d]: unknown destination %q", i, j, d)
			}
		}
	}
	for j, m := range r.TagModifications {
		switch m.Action {
		case "set", "remove", "prefix", "suffix", "hash":
		case "copy_from_tag":
			if m.SourceTag == "" {
				return fmt.Errorf("config: routes[%d].tag_modifications[%d]: copy_from_tag needs source_tag", i, j)
			}
		default:
			return fmt.Errorf("config: routes[%d].tag_modifications[%d]: unknown action %q", i, j, m.Action)
		}
	}
	for j, e := range r.Destinations {
		if _, ok := dests[e.Name]; !ok {
			return fmt.Errorf("config: routes[%d].destinations[%d]: unknown destination %q", i, j, e.Name)
		}
		if e.Anonymize && e.ScriptName == "" {
			return fmt.Errorf("config: routes[%d].destinations[%d]: anonymize needs script_name", i, j)
		}
		if e.UseBroker {
			if _, ok := brokers[e.BrokerName]; !ok {
				return fmt.Errorf("config: routes[%d].destinations[%d]: unknown broker %q", i, j, e.BrokerName)
			}
		}
		if e.RetryCount < 0 {
			return fmt.Errorf("config: routes[%d].destinations[%d]: retry_count must be >= 0", i, j)
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from a TLS block. Returns nil if
// TLS is disabled.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if t.CAFile != "" {
		caPEM, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the events SASL block.
// Returns nil if SASL is disabled.
func (e *EventsConfig) BuildSASLMechanism() sasl.Mechanism {
	if !e.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(e.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: e.SASL.Username, Pass: e.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
