// Package config provides configuration management for RemedyForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all RemedyForge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	AWS         AWSConfig         `yaml:"aws"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Evaluator   EvaluatorConfig   `yaml:"evaluator"`
	Rules       []RuleConfig      `yaml:"rules"`
	Routing     RoutingConfig     `yaml:"routing"`
	Remediation RemediationConfig `yaml:"remediation"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Findings    FindingsConfig    `yaml:"findings"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Profiles    ProfilesConfig    `yaml:"profiles"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// AWSConfig holds cloud SDK settings.
type AWSConfig struct {
	Region    string `yaml:"region"`
	Partition string `yaml:"partition"`
	Profile   string `yaml:"profile"`
	// Endpoint overrides every service endpoint, e.g. for a local emulator.
	Endpoint string `yaml:"endpoint"`
	// AccountID stamps resources listed by id only, such as sweep targets.
	AccountID string `yaml:"account_id"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	Mode              string        `yaml:"mode"` // local, aws
	EventBusName      string        `yaml:"event_bus_name"`
	Source            string        `yaml:"source"`
	QueueURL          string        `yaml:"queue_url"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxMessages       int           `yaml:"max_messages"`
	Workers           int           `yaml:"workers"`
}

// StoreConfig holds verdict store settings.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // redis, memory
	KeyPrefix string `yaml:"key_prefix"`
	// EmitLease bounds how long an unacknowledged change event stays claimed
	// before a later write re-emits it.
	EmitLease         time.Duration `yaml:"emit_lease"`
	IdempotencyBucket time.Duration `yaml:"idempotency_bucket"`
}

// EvaluatorConfig holds inventory fetch and retry settings.
type EvaluatorConfig struct {
	SourceSystem    string        `yaml:"source_system"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// RuleConfig declares one compliance rule.
type RuleConfig struct {
	ID             string            `yaml:"id"`
	ResourceType   string            `yaml:"resource_type"`
	Predicate      string            `yaml:"predicate"`
	Params         map[string]string `yaml:"params"`
	TriggerMode    string            `yaml:"trigger_mode"` // change, periodic, both
	ExportFindings bool              `yaml:"export_findings"`
	Resources      []string          `yaml:"resources"` // ids swept by the periodic profile
}

// RoutingConfig holds the routing-rule table.
type RoutingConfig struct {
	Rules     []RouteConfig `yaml:"rules"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// RouteConfig declares one routing rule.
type RouteConfig struct {
	Name    string            `yaml:"name"`
	Match   []ConditionConfig `yaml:"match"`
	Targets []string          `yaml:"targets"`
}

// ConditionConfig is one field-path condition of a routing rule.
type ConditionConfig struct {
	Path   string   `yaml:"path"`
	Op     string   `yaml:"op"` // IN, EXISTS
	Values []string `yaml:"values"`
}

// RemediationConfig holds remediation settings.
type RemediationConfig struct {
	Enabled        bool           `yaml:"enabled"`
	MaxAttempts    int            `yaml:"max_attempts"`
	InitialBackoff time.Duration  `yaml:"initial_backoff"`
	MaxBackoff     time.Duration  `yaml:"max_backoff"`
	Actions        []ActionConfig `yaml:"actions"`
}

// ActionConfig declares one corrective action and its IAM scope.
type ActionConfig struct {
	Name         string             `yaml:"name"`
	ResourceType string             `yaml:"resource_type"`
	RuleID       string             `yaml:"rule_id"`
	Params       map[string]string  `yaml:"params"`
	Permissions  []PermissionConfig `yaml:"permissions"`
}

// PermissionConfig is one allowed action/resource-ARN pair.
type PermissionConfig struct {
	Action   string `yaml:"action"`
	Resource string `yaml:"resource"`
}

// NotifierConfig holds notification channel settings.
type NotifierConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TopicARN      string        `yaml:"topic_arn"`
	Recipients    []string      `yaml:"recipients"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	QueueSize     int           `yaml:"queue_size"`
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
}

// FindingsConfig holds findings aggregator settings.
type FindingsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // securityhub, log
	ProductARN    string        `yaml:"product_arn"`
	AccountID     string        `yaml:"account_id"`
	EnsureEnabled bool          `yaml:"ensure_enabled"`
	BatchSize     int           `yaml:"batch_size"`
	RetryCount    int           `yaml:"retry_count"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PipelineConfig holds per-invocation settings.
type PipelineConfig struct {
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
}

// ProfilesConfig holds optional deployment profiles.
type ProfilesConfig struct {
	Periodic          PeriodicProfile          `yaml:"periodic"`
	FindingsIngestion FindingsIngestionProfile `yaml:"findings_ingestion"`
}

// PeriodicProfile re-evaluates rule resources on a fixed frequency.
type PeriodicProfile struct {
	Enabled                   bool   `yaml:"enabled"`
	MaximumExecutionFrequency string `yaml:"maximum_execution_frequency"`
}

// FindingsIngestionProfile lets the evaluator export its verdicts as findings.
type FindingsIngestionProfile struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig holds ingress rate limit settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		AWS: AWSConfig{
			Region:    "us-east-1",
			Partition: "aws",
		},
		Bus: BusConfig{
			Mode:              "local",
			EventBusName:      "default",
			Source:            "config-engine",
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 60 * time.Second,
			MaxMessages:       10,
			Workers:           2,
		},
		Store: StoreConfig{
			Backend:           "redis",
			KeyPrefix:         "remedyforge:verdict",
			EmitLease:         30 * time.Second,
			IdempotencyBucket: 5 * time.Minute,
		},
		Evaluator: EvaluatorConfig{
			SourceSystem:    "remedyforge",
			MaxAttempts:     4,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Rules: DefaultRules(),
		Routing: RoutingConfig{
			Rules:     DefaultRoutes(),
			Workers:   8,
			QueueSize: 256,
		},
		Remediation: RemediationConfig{
			Enabled:        true,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Actions:        DefaultActions(),
		},
		Notifier: NotifierConfig{
			Enabled:       true,
			SubjectPrefix: "[remedyforge]",
			RatePerMinute: 60,
			DedupeWindow:  10 * time.Minute,
			QueueSize:     128,
			Workers:       2,
			Timeout:       10 * time.Second,
		},
		Findings: FindingsConfig{
			Enabled:       true,
			Backend:       "log",
			EnsureEnabled: false,
			BatchSize:     100,
			RetryCount:    3,
			Timeout:       30 * time.Second,
		},
		Pipeline: PipelineConfig{
			InvocationTimeout: 60 * time.Second,
		},
		Profiles: ProfilesConfig{
			Periodic: PeriodicProfile{
				Enabled:                   false,
				MaximumExecutionFrequency: "One_Hour",
			},
			FindingsIngestion: FindingsIngestionProfile{
				Enabled: true,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
			IncludeHeaders:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// Rule ids of the built-in rules.
const (
	RuleS3CMKEncryption = "s3-bucket-cmk-encryption-check"
	RuleEC2EnvTag       = "ec2-instance-environment-tag-check"
)

// DefaultRules returns the built-in compliance rules.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:           RuleS3CMKEncryption,
			ResourceType: "AWS::S3::Bucket",
			Predicate:    "s3-cmk-encryption",
			TriggerMode:  "change",
		},
		{
			ID:             RuleEC2EnvTag,
			ResourceType:   "AWS::EC2::Instance",
			Predicate:      "required-tag",
			Params:         map[string]string{"key": "Environment"},
			TriggerMode:    "change",
			ExportFindings: true,
		},
	}
}

// DefaultRoutes returns the built-in routing table.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{
			Name: "noncompliant-bucket-encryption",
			Match: []ConditionConfig{
				{Path: "source", Op: "IN", Values: []string{"config-engine"}},
				{Path: "detail-type", Op: "IN", Values: []string{"ComplianceChange"}},
				{Path: "detail.rule_id", Op: "IN", Values: []string{RuleS3CMKEncryption}},
				{Path: "detail.new_status", Op: "IN", Values: []string{"NON_COMPLIANT"}},
			},
			Targets: []string{"remediator", "notifier"},
		},
		{
			Name: "failed-findings",
			Match: []ConditionConfig{
				{Path: "source", Op: "IN", Values: []string{"security-findings"}},
				{Path: "detail.findings.Compliance.Status", Op: "IN", Values: []string{"FAILED"}},
			},
			Targets: []string{"remediator", "notifier"},
		},
	}
}

// DefaultActions returns the built-in remediation actions and their scopes.
func DefaultActions() []ActionConfig {
	return []ActionConfig{
		{
			Name:         "s3-enable-cmk-encryption",
			ResourceType: "AWS::S3::Bucket",
			RuleID:       RuleS3CMKEncryption,
			Params: map[string]string{
				"key_alias":       "alias/remediate",
				"key_description": "Key for encrypting S3 bucket",
			},
			Permissions: []PermissionConfig{
				{Action: "s3:PutEncryptionConfiguration", Resource: "arn:aws:s3:::*"},
				{Action: "kms:CreateKey", Resource: "*"},
				{Action: "kms:CreateAlias", Resource: "*"},
				{Action: "kms:ListAliases", Resource: "*"},
			},
		},
		{
			Name:         "ec2-apply-environment-tag",
			ResourceType: "AWS::EC2::Instance",
			RuleID:       RuleEC2EnvTag,
			Params: map[string]string{
				"key":   "Environment",
				"value": "Unknown",
			},
			Permissions: []PermissionConfig{
				{Action: "ec2:CreateTags", Resource: "arn:aws:ec2:*:*:instance/*"},
			},
		},
	}
}

// Valid routing targets.
const (
	TargetRemediator = "remediator"
	TargetNotifier   = "notifier"
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.InvocationTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.invocation_timeout must be positive"))
	}
	switch c.Bus.Mode {
	case "local":
	case "aws":
		if c.Bus.QueueURL == "" {
			errs = append(errs, errors.New("bus.queue_url is required in aws mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.mode %q is not one of local, aws", c.Bus.Mode))
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of redis, memory", c.Store.Backend))
	}

	rules := make(map[string]RuleConfig, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
			continue
		}
		if _, dup := rules[r.ID]; dup {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID))
		}
		if r.ResourceType == "" || r.Predicate == "" {
			errs = append(errs, fmt.Errorf("rule %q: resource_type and predicate are required", r.ID))
		}
		switch r.TriggerMode {
		case "", "change", "periodic", "both":
		default:
			errs = append(errs, fmt.Errorf("rule %q: trigger_mode %q is not one of change, periodic, both", r.ID, r.TriggerMode))
		}
		if len(r.Resources) > 0 && c.AccountID() == "" {
			errs = append(errs, fmt.Errorf("rule %q: aws.account_id is required to sweep listed resources", r.ID))
		}
		rules[r.ID] = r
	}

	for i, route := range c.Routing.Rules {
		name := route.Name
		if name == "" {
			name = fmt.Sprintf("routing.rules[%d]", i)
		}
		if len(route.Match) == 0 {
			errs = append(errs, fmt.Errorf("route %q: at least one condition is required", name))
		}
		for _, cond := range route.Match {
			switch strings.ToUpper(cond.Op) {
			case "IN":
				if len(cond.Values) == 0 {
					errs = append(errs, fmt.Errorf("route %q: IN on %q needs values", name, cond.Path))
				}
			case "EXISTS":
			default:
				errs = append(errs, fmt.Errorf("route %q: unsupported operator %q", name, cond.Op))
			}
			if cond.Path == "" {
				errs = append(errs, fmt.Errorf("route %q: condition path is required", name))
			}
		}
		if len(route.Targets) == 0 {
			errs = append(errs, fmt.Errorf("route %q: at least one target is required", name))
		}
		for _, t := range route.Targets {
			if t != TargetRemediator && t != TargetNotifier {
				errs = append(errs, fmt.Errorf("route %q: unknown target %q", name, t))
			}
		}
	}

	types := make(map[string]string)
	for i, a := range c.Remediation.Actions {
		if a.Name == "" || a.ResourceType == "" {
			errs = append(errs, fmt.Errorf("remediation.actions[%d]: name and resource_type are required", i))
			continue
		}
		if prev, dup := types[a.ResourceType]; dup {
			errs = append(errs, fmt.Errorf("action %q: resource type %s already handled by %q", a.Name, a.ResourceType, prev))
		}
		types[a.ResourceType] = a.Name
		if len(a.Permissions) == 0 {
			errs = append(errs, fmt.Errorf("action %q: permissions are required", a.Name))
		}
		if a.RuleID != "" {
			if _, ok := rules[a.RuleID]; !ok {
				errs = append(errs, fmt.Errorf("action %q: unknown rule %q", a.Name, a.RuleID))
			}
		}
	}

	if c.Notifier.Enabled && c.Bus.Mode == "aws" && c.Notifier.TopicARN == "" {
		errs = append(errs, errors.New("notifier.topic_arn is required when the notifier is enabled in aws mode"))
	}
	switch c.Findings.Backend {
	case "securityhub", "log":
	default:
		errs = append(errs, fmt.Errorf("findings.backend %q is not one of securityhub, log", c.Findings.Backend))
	}
	if c.Profiles.Periodic.Enabled {
		if _, err := ParseExecutionFrequency(c.Profiles.Periodic.MaximumExecutionFrequency); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AccountID returns the account that owns resources listed by id, falling
// back to the findings account.
func (c *Config) AccountID() string {
	if c.AWS.AccountID != "" {
		return c.AWS.AccountID
	}
	return c.Findings.AccountID
}

// Rule returns the rule with the given id.
func (c *Config) Rule(id string) (RuleConfig, bool) {
	for _, r := range c.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return RuleConfig{}, false
}

var executionFrequencies = map[string]time.Duration{
	"One_Hour":         time.Hour,
	"Three_Hours":      3 * time.Hour,
	"Six_Hours":        6 * time.Hour,
	"Twelve_Hours":     12 * time.Hour,
	"TwentyFour_Hours": 24 * time.Hour,
}

// ParseExecutionFrequency converts a named frequency such as "One_Hour" into a duration.
func ParseExecutionFrequency(name string) (time.Duration, error) {
	if d, ok := executionFrequencies[name]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown maximum_execution_frequency %q", name)
}
