package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend kinds understood by the model router.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

// BackendConfig describes one model backend. The list order is the
// router's preference order.
type BackendConfig struct {
	Name           string                `yaml:"name"`
	Kind           string                `yaml:"kind"`
	BaseURL        string                `yaml:"baseUrl"`
	APIKey         string                `yaml:"apiKey"`
	Model          string                `yaml:"model"`
	TimeoutSeconds int                   `yaml:"timeoutSeconds"`
	MaxTokens      int                   `yaml:"maxTokens"`
	RateLimit      RateLimitBucketConfig `yaml:"rateLimit"`
}

type WorkflowDefaults struct {
	Steps          int     `yaml:"steps"`
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	Guidance       float64 `yaml:"guidance"`
	NegativePrompt string  `yaml:"negativePrompt"`
}

type GenerationConfig struct {
	EndpointURL             string           `yaml:"endpointUrl"`
	APIKey                  string           `yaml:"apiKey"`
	RequestTimeoutSeconds   int              `yaml:"requestTimeoutSeconds"`
	PollMaxAttempts         int              `yaml:"pollMaxAttempts"`
	PollIntervalSeconds     float64          `yaml:"pollIntervalSeconds"`
	PollTotalTimeoutSeconds int              `yaml:"pollTotalTimeoutSeconds"`
	BackoffPolicy           string           `yaml:"backoffPolicy"`
	BackoffMaxSeconds       int              `yaml:"backoffMaxSeconds"`
	MaxConcurrentAwaits     int              `yaml:"maxConcurrentAwaits"`
	Workflow                WorkflowDefaults `yaml:"workflow"`
}

type PublisherConfig struct {
	Kind            string `yaml:"kind"`
	BaseURL         string `yaml:"baseUrl"`
	APIToken        string `yaml:"apiToken"`
	ShopID          string `yaml:"shopId"`
	BlueprintID     int    `yaml:"blueprintId"`
	PrintProviderID int    `yaml:"printProviderId"`
	VariantIDs      []int  `yaml:"variantIds"`
	PriceCents      int    `yaml:"priceCents"`
	TimeoutSeconds  int    `yaml:"timeoutSeconds"`
}

// Enabled reports whether a publisher can be constructed.
func (p PublisherConfig) Enabled() bool {
	return strings.TrimSpace(p.APIToken) != "" && strings.TrimSpace(p.ShopID) != ""
}

type AuthConfig struct {
	Type             string `yaml:"type"`
	Token            string `yaml:"token"`
	JwksURL          string `yaml:"jwksUrl"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	ClockSkewSeconds int    `yaml:"clockSkewSeconds"`
}

// PersistenceConfig selects the record store backend: redis or memory.
type PersistenceConfig struct {
	Type string `yaml:"type"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type RateLimitConfig struct {
	API     RateLimitBucketConfig `yaml:"api"`
	Webhook RateLimitBucketConfig `yaml:"webhook"`
}

type Config struct {
	Port              int               `yaml:"port"`
	RedisAddr         string            `yaml:"redisAddr"`
	RedisPassword     string            `yaml:"redisPassword"`
	Timezone          string            `yaml:"timezone"`
	LogLevel          string            `yaml:"logLevel"`
	LogFormat         string            `yaml:"logFormat"`
	Env               string            `yaml:"env"`
	LocalArtifactsDir string            `yaml:"localArtifactsDir"`
	RecordTTLHours    int               `yaml:"recordTtlHours"`
	Backends          []BackendConfig   `yaml:"backends"`
	Roles             map[string]string `yaml:"roles"`
	Generation        GenerationConfig  `yaml:"generation"`
	Publisher         PublisherConfig   `yaml:"publisher"`
	Auth              AuthConfig        `yaml:"auth"`
	Persistence       PersistenceConfig `yaml:"persistence"`
	Tracing           TracingConfig     `yaml:"tracing"`
	RateLimit         RateLimitConfig   `yaml:"rateLimit"`

	WebhookHmacSecret               string `yaml:"webhookHmacSecret"`
	ResultWebhookMaxAttempts        int    `yaml:"resultWebhookMaxAttempts"`
	ResultWebhookBaseBackoffSeconds int    `yaml:"resultWebhookBaseBackoffSeconds"`
	ResultWebhookMaxBackoffSeconds  int    `yaml:"resultWebhookMaxBackoffSeconds"`
}

// LoadConfig reads filePath, applies environment overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.finish()
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but starts from an empty
// config when filePath is blank or missing.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) != "" {
		if _, err := os.Stat(filePath); err == nil {
			return LoadConfig(filePath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	var c Config
	c.finish()
	return &c, nil
}

func (c *Config) finish() {
	c.applyEnv()
	if len(c.Backends) == 0 {
		c.Backends = backendsFromEnv()
	}
	c.applyDefaults()
	log.Printf("Podflow Config: {Port:%d Redis:%s Env:%s Backends:%s Generation:%t Publisher:%t}\n",
		c.Port, c.RedisAddr, c.Env, strings.Join(c.BackendNames(), ","), c.Generation.EndpointURL != "", c.Publisher.Enabled())
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("PODFLOW_ENV", &c.Env)
	envString("LOCAL_ARTIFACTS_DIR", &c.LocalArtifactsDir)
	envString("RUNPOD_ENDPOINT_URL", &c.Generation.EndpointURL)
	envString("RUNPOD_API_KEY", &c.Generation.APIKey)
	envInt("POLL_MAX_ATTEMPTS", &c.Generation.PollMaxAttempts)
	envInt("POLL_TOTAL_TIMEOUT_SECONDS", &c.Generation.PollTotalTimeoutSeconds)
	envString("BACKOFF_POLICY", &c.Generation.BackoffPolicy)
	envString("PRINTIFY_API_TOKEN", &c.Publisher.APIToken)
	envString("PRINTIFY_SHOP_ID", &c.Publisher.ShopID)
	envString("PERSISTENCE_TYPE", &c.Persistence.Type)
	envString("AUTH_TYPE", &c.Auth.Type)
	envString("AUTH_TOKEN", &c.Auth.Token)
	envString("AUTH_JWKS_URL", &c.Auth.JwksURL)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("RESULT_WEBHOOK_MAX_ATTEMPTS", &c.ResultWebhookMaxAttempts)
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Generation.PollIntervalSeconds = f
		}
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
}

// backendsFromEnv derives the backend list once, in a fixed order.
func backendsFromEnv() []BackendConfig {
	var out []BackendConfig
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		out = append(out, BackendConfig{Name: "anthropic", Kind: BackendAnthropic, APIKey: v})
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		out = append(out, BackendConfig{Name: "openai", Kind: BackendOpenAI, APIKey: v})
	}
	if v := strings.TrimSpace(os.Getenv("XAI_API_KEY")); v != "" {
		out = append(out, BackendConfig{Name: "grok", Kind: BackendOpenAI, APIKey: v, BaseURL: "https://api.x.ai/v1", Model: "grok-2-latest"})
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); v != "" {
		out = append(out, BackendConfig{Name: "ollama", Kind: BackendOllama, BaseURL: v})
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/tmp/podflow-artifacts"
	}
	if c.RecordTTLHours <= 0 {
		c.RecordTTLHours = 24 * 7
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Name == "" {
			b.Name = b.Kind
		}
		if b.TimeoutSeconds <= 0 {
			b.TimeoutSeconds = 120
		}
		if b.MaxTokens <= 0 {
			b.MaxTokens = 4096
		}
		switch b.Kind {
		case BackendAnthropic:
			if b.BaseURL == "" {
				b.BaseURL = "https://api.anthropic.com"
			}
			if b.Model == "" {
				b.Model = "claude-3-5-sonnet-latest"
			}
		case BackendOpenAI:
			if b.BaseURL == "" {
				b.BaseURL = "https://api.openai.com/v1"
			}
			if b.Model == "" {
				b.Model = "gpt-4o-mini"
			}
		case BackendOllama:
			if b.BaseURL == "" {
				b.BaseURL = "http://localhost:11434"
			}
			if b.Model == "" {
				b.Model = "llama3.1"
			}
		}
	}

	g := &c.Generation
	if g.RequestTimeoutSeconds <= 0 {
		g.RequestTimeoutSeconds = 30
	}
	if g.PollMaxAttempts <= 0 {
		g.PollMaxAttempts = 60
	}
	if g.PollIntervalSeconds <= 0 {
		g.PollIntervalSeconds = 5
	}
	if g.PollTotalTimeoutSeconds <= 0 {
		g.PollTotalTimeoutSeconds = 600
	}
	if g.BackoffPolicy == "" {
		g.BackoffPolicy = "fixed"
	}
	if g.BackoffMaxSeconds <= 0 {
		g.BackoffMaxSeconds = 30
	}
	if g.MaxConcurrentAwaits <= 0 {
		g.MaxConcurrentAwaits = 4
	}
	if g.Workflow.Steps <= 0 {
		g.Workflow.Steps = 20
	}
	if g.Workflow.Width <= 0 {
		g.Workflow.Width = 1024
	}
	if g.Workflow.Height <= 0 {
		g.Workflow.Height = 1024
	}
	if g.Workflow.Guidance <= 0 {
		g.Workflow.Guidance = 3.5
	}

	p := &c.Publisher
	if p.Kind == "" {
		p.Kind = "printify"
	}
	if p.BaseURL == "" {
		p.BaseURL = "https://api.printify.com/v1"
	}
	if p.BlueprintID <= 0 {
		p.BlueprintID = 6
	}
	if p.PrintProviderID <= 0 {
		p.PrintProviderID = 99
	}
	if len(p.VariantIDs) == 0 {
		p.VariantIDs = []int{17390, 17426, 17428, 17430, 17432}
	}
	if p.PriceCents <= 0 {
		p.PriceCents = 1999
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 60
	}

	if c.Auth.Type == "" {
		c.Auth.Type = "none"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "podflow"
	}
	if c.Auth.ClockSkewSeconds <= 0 {
		c.Auth.ClockSkewSeconds = 60
	}
	if c.Persistence.Type == "" {
		c.Persistence.Type = "redis"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "podflow"
	}
	if c.ResultWebhookMaxAttempts <= 0 {
		c.ResultWebhookMaxAttempts = 5
	}
	if c.ResultWebhookBaseBackoffSeconds <= 0 {
		c.ResultWebhookBaseBackoffSeconds = 2
	}
	if c.ResultWebhookMaxBackoffSeconds <= 0 {
		c.ResultWebhookMaxBackoffSeconds = 60
	}
}

// BackendNames lists configured backends in preference order.
func (c *Config) BackendNames() []string {
	out := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, b.Name)
	}
	return out
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	seen := map[string]bool{}
	for i, b := range c.Backends {
		switch b.Kind {
		case BackendAnthropic, BackendOpenAI, BackendOllama:
		default:
			errs = append(errs, fmt.Sprintf("backends[%d]: unknown kind %q", i, b.Kind))
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("backends[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
		if !validHTTPURL(b.BaseURL) {
			errs = append(errs, fmt.Sprintf("backends[%d]: baseUrl must be a valid http(s) URL", i))
		}
	}

	if c.Generation.EndpointURL != "" && !validHTTPURL(c.Generation.EndpointURL) {
		errs = append(errs, "generation.endpointUrl must be a valid http(s) URL")
	}
	switch c.Generation.BackoffPolicy {
	case "fixed", "linear", "exponential", "exp_equal_jitter", "exp_full_jitter":
	default:
		errs = append(errs, fmt.Sprintf("generation.backoffPolicy %q is not supported", c.Generation.BackoffPolicy))
	}

	switch c.Persistence.Type {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("persistence.type %q is not supported", c.Persistence.Type))
	}

	switch c.Auth.Type {
	case "none":
		if !dev {
			errs = append(errs, "auth.type none is only allowed in dev")
		}
	case "static":
		if strings.TrimSpace(c.Auth.Token) == "" {
			errs = append(errs, "auth.token is required for static auth")
		}
	case "jwks":
		if !validHTTPURL(c.Auth.JwksURL) {
			errs = append(errs, "auth.jwksUrl must be a valid http(s) URL")
		}
		if c.Auth.Issuer == "" && !dev {
			errs = append(errs, "auth.issuer is required in non-dev")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.type %q is not supported", c.Auth.Type))
	}

	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required when webhooks are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
