package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/opengavel/gavel/pkg/override"
	"github.com/opengavel/gavel/pkg/telemetry"
)

// Config is the full engine configuration, decoded from CUE in
// Parser.Load. Duration and timestamp fields arrive as strings and are
// parsed into the typed companion fields by Normalize.
type Config struct {
	// Service identifies this deployment.
	Service ServiceConfig `json:"service" validate:"required"`

	// Store configures the SQLite persistence layer.
	Store StoreConfig `json:"store" validate:"required"`

	// Bundle configures rule-bundle loading.
	Bundle BundleConfig `json:"bundle" validate:"required"`

	// Log configures the decision log.
	Log LogConfig `json:"log" validate:"required"`

	// Evaluation configures per-category evaluation budgets.
	Evaluation EvaluationConfig `json:"evaluation"`

	// Override configures the override request lifecycle.
	Override OverrideConfig `json:"override"`

	// Signing declares the signing key ids and validity windows. The
	// master key material itself is read from the environment, never
	// from configuration.
	Signing SigningConfig `json:"signing" validate:"required"`

	// Sources lists the registered reference-data sources.
	Sources []SourceConfig `json:"sources,omitempty" validate:"dive"`

	// Categories maps a decision category to the source names its
	// evaluations consult.
	Categories map[string][]string `json:"categories,omitempty"`

	// Archive configures write-once log archival. Optional.
	Archive *ArchiveConfig `json:"archive,omitempty"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty" validate:"omitempty,oneof=development staging production"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `json:"path" validate:"required"`
}

// BundleConfig configures rule-bundle loading.
type BundleConfig struct {
	// Dir is the bundle directory containing bundle.yaml and the rule
	// files it references.
	Dir string `json:"dir" validate:"required"`

	// Watch enables hot reload of the bundle directory.
	Watch bool `json:"watch,omitempty"`
}

// LogConfig configures the decision log.
type LogConfig struct {
	// Path is the JSONL decision log file. Appended to, never
	// truncated.
	Path string `json:"path" validate:"required"`
}

// EvaluationConfig configures evaluation budgets. A category listed in
// ComplexCategories gets the complex budget; everything else gets the
// standard budget.
type EvaluationConfig struct {
	StandardBudget    string   `json:"standard_budget,omitempty"`
	ComplexBudget     string   `json:"complex_budget,omitempty"`
	ComplexCategories []string `json:"complex_categories,omitempty"`

	standardBudget time.Duration
	complexBudget  time.Duration
}

// OverrideConfig configures the override lifecycle.
type OverrideConfig struct {
	// RequiredApprovals is the approval count needed before an
	// override may be consumed.
	RequiredApprovals int `json:"required_approvals,omitempty" validate:"omitempty,min=1"`

	// Window is the request validity window, e.g. "4h".
	Window string `json:"window,omitempty"`

	// Grants maps a principal to its override capabilities (request,
	// approve, revoke).
	Grants map[string][]string `json:"grants,omitempty"`

	window time.Duration
}

// SigningConfig declares signing key metadata. Secrets are derived at
// runtime from the master key environment variable.
type SigningConfig struct {
	// ActiveKey is the id of the key new records are signed with.
	ActiveKey string `json:"active_key" validate:"required"`

	// Keys lists every key id ever used, so historical records stay
	// verifiable.
	Keys []SigningKeyConfig `json:"keys" validate:"required,min=1,dive"`
}

// SigningKeyConfig is one signing key id and its validity window.
// Timestamps are RFC 3339.
type SigningKeyConfig struct {
	ID        string `json:"id" validate:"required"`
	NotBefore string `json:"not_before" validate:"required"`
	NotAfter  string `json:"not_after,omitempty"`

	notBefore time.Time
	notAfter  time.Time
}

// SourceConfig declares one reference-data source.
type SourceConfig struct {
	// Name is the unique source name.
	Name string `json:"name" validate:"required"`

	// URL is the upstream endpoint the payload is fetched from.
	URL string `json:"url" validate:"required,url"`

	// TTL is the freshness window, e.g. "5m".
	TTL string `json:"ttl" validate:"required"`

	// PublicKey is the base64-encoded ed25519 key payload signatures
	// must verify against.
	PublicKey string `json:"public_key" validate:"required,base64"`

	// Transform is an optional Starlark script file applied to the
	// payload before hashing.
	Transform string `json:"transform,omitempty"`

	ttl time.Duration
}

// ArchiveConfig configures the SFTP log archiver.
type ArchiveConfig struct {
	Addr           string `json:"addr" validate:"required"`
	User           string `json:"user" validate:"required"`
	PrivateKeyPath string `json:"private_key_path" validate:"required"`
	KnownHostKey   string `json:"known_host_key,omitempty"`
	RemoteDir      string `json:"remote_dir" validate:"required"`
	Timeout        string `json:"timeout,omitempty"`

	timeout time.Duration
}

// TelemetryConfig mirrors telemetry.Config with CUE-friendly types.
type TelemetryConfig struct {
	LogLevel      string  `json:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat     string  `json:"log_format,omitempty" validate:"omitempty,oneof=console json"`
	MetricsListen string  `json:"metrics_listen,omitempty"`
	TraceExporter string  `json:"trace_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint string  `json:"trace_endpoint,omitempty"`
	SamplingRate  float64 `json:"sampling_rate,omitempty" validate:"omitempty,min=0,max=1"`
}

// Defaults applied by Normalize.
const (
	DefaultStandardBudget = 50 * time.Millisecond
	DefaultComplexBudget  = 100 * time.Millisecond
)

// Normalize parses duration and timestamp strings and applies
// defaults. Called by Parser.Load after decoding; call it directly only
// when constructing a Config in code.
func (c *Config) Normalize() error {
	var err error

	if c.Evaluation.standardBudget, err = parseDuration(c.Evaluation.StandardBudget, DefaultStandardBudget); err != nil {
		return fmt.Errorf("evaluation.standard_budget: %w", err)
	}
	if c.Evaluation.complexBudget, err = parseDuration(c.Evaluation.ComplexBudget, DefaultComplexBudget); err != nil {
		return fmt.Errorf("evaluation.complex_budget: %w", err)
	}
	if c.Evaluation.complexBudget < c.Evaluation.standardBudget {
		return fmt.Errorf("evaluation: complex budget %s below standard budget %s",
			c.Evaluation.complexBudget, c.Evaluation.standardBudget)
	}

	if c.Override.RequiredApprovals == 0 {
		c.Override.RequiredApprovals = override.DefaultRequiredApprovals
	}
	if c.Override.window, err = parseDuration(c.Override.Window, override.DefaultWindow); err != nil {
		return fmt.Errorf("override.window: %w", err)
	}

	keyIDs := make(map[string]bool, len(c.Signing.Keys))
	for i := range c.Signing.Keys {
		k := &c.Signing.Keys[i]
		if keyIDs[k.ID] {
			return fmt.Errorf("signing: duplicate key id %q", k.ID)
		}
		keyIDs[k.ID] = true
		if k.notBefore, err = time.Parse(time.RFC3339, k.NotBefore); err != nil {
			return fmt.Errorf("signing key %q: bad not_before: %w", k.ID, err)
		}
		if k.NotAfter != "" {
			if k.notAfter, err = time.Parse(time.RFC3339, k.NotAfter); err != nil {
				return fmt.Errorf("signing key %q: bad not_after: %w", k.ID, err)
			}
			if !k.notAfter.After(k.notBefore) {
				return fmt.Errorf("signing key %q: not_after must follow not_before", k.ID)
			}
		}
	}
	if !keyIDs[c.Signing.ActiveKey] {
		return fmt.Errorf("signing: active key %q not declared in keys", c.Signing.ActiveKey)
	}

	sourceNames := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if sourceNames[s.Name] {
			return fmt.Errorf("sources: duplicate source %q", s.Name)
		}
		sourceNames[s.Name] = true
		if s.ttl, err = parseDuration(s.TTL, 0); err != nil {
			return fmt.Errorf("source %q: bad ttl: %w", s.Name, err)
		}
		if s.ttl <= 0 {
			return fmt.Errorf("source %q: ttl must be positive", s.Name)
		}
		if _, err := base64.StdEncoding.DecodeString(s.PublicKey); err != nil {
			return fmt.Errorf("source %q: bad public key: %w", s.Name, err)
		}
	}

	for category, names := range c.Categories {
		for _, name := range names {
			if !sourceNames[name] {
				return fmt.Errorf("category %q references unknown source %q", category, name)
			}
		}
	}

	if c.Archive != nil {
		if c.Archive.timeout, err = parseDuration(c.Archive.Timeout, 30*time.Second); err != nil {
			return fmt.Errorf("archive.timeout: %w", err)
		}
	}

	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// BudgetFor returns the evaluation budget for a category.
func (c *Config) BudgetFor(category string) time.Duration {
	for _, complex := range c.Evaluation.ComplexCategories {
		if complex == category {
			return c.Evaluation.complexBudget
		}
	}
	return c.Evaluation.standardBudget
}

// SourcesFor returns the configured source names for a category.
func (c *Config) SourcesFor(category string) []string {
	return c.Categories[category]
}

// TTL returns the parsed freshness window.
func (s *SourceConfig) TTLDuration() time.Duration { return s.ttl }

// DecodedPublicKey returns the raw ed25519 public key bytes.
func (s *SourceConfig) DecodedPublicKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.PublicKey)
}

// Window returns the parsed key validity window. A zero NotAfter means
// the key has no expiry.
func (k *SigningKeyConfig) Window() (notBefore, notAfter time.Time) {
	return k.notBefore, k.notAfter
}

// TimeoutDuration returns the parsed archive timeout.
func (a *ArchiveConfig) TimeoutDuration() time.Duration { return a.timeout }

// OverrideRegistryConfig converts to the override registry's config.
func (c *Config) OverrideRegistryConfig() override.Config {
	return override.Config{
		RequiredApprovals: c.Override.RequiredApprovals,
		Window:            c.Override.window,
	}
}

// TelemetryConfigFor builds the full telemetry configuration, starting
// from telemetry defaults and applying the configured overrides.
func (c *Config) TelemetryConfigFor() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Service.Name
	if c.Service.Version != "" {
		tc.ServiceVersion = c.Service.Version
	}
	if c.Service.Environment != "" {
		tc.Environment = c.Service.Environment
	}
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}
	if c.Telemetry.MetricsListen != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	if c.Telemetry.TraceExporter != "" && c.Telemetry.TraceExporter != "none" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = c.Telemetry.TraceExporter
		tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	}
	if c.Telemetry.SamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	}
	return tc
}
