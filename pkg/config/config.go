package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`

	// Engine is the local inference backend.
	EngineURL            string `yaml:"engineUrl"`
	WorkflowTemplatesDir string `yaml:"workflowTemplatesDir"`

	// ExecutionMode is local, cloud, or auto.
	ExecutionMode string  `yaml:"executionMode"`
	MinVRAMGB     float64 `yaml:"minVramGb"`
	// GPUProbe selects the capacity probe: smi or static.
	GPUProbe string `yaml:"gpuProbe"`

	CloudProvider string `yaml:"cloudProvider"`
	CloudAPIKey   string `yaml:"cloudApiKey"`
	CloudBaseURL  string `yaml:"cloudBaseUrl"`

	// Callback delivery to the owning system.
	CallbackBaseURL           string `yaml:"callbackBaseUrl"`
	WorkerKey                 string `yaml:"workerKey"`
	CallbackWorkers           int    `yaml:"callbackWorkers"`
	CallbackQueueSize         int    `yaml:"callbackQueueSize"`
	CallbackMaxAttempts       int    `yaml:"callbackMaxAttempts"`
	CallbackRetryDelaySeconds int    `yaml:"callbackRetryDelaySeconds"`

	// Worker pool.
	WorkerID                 string   `yaml:"workerId"`
	Workers                  int      `yaml:"workers"`
	WorkerTypes              []string `yaml:"workerTypes"`
	DefaultLeaseSeconds      int      `yaml:"defaultLeaseSeconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeatIntervalSeconds"`
	PollIntervalSeconds      int      `yaml:"pollIntervalSeconds"`
	RequeueInspectLimit      int      `yaml:"requeueInspectLimit"`

	// Expired-record reaping.
	CleanupIntervalSeconds int `yaml:"cleanupIntervalSeconds"`
	CleanupBatchLimit      int `yaml:"cleanupBatchLimit"`

	// Retry policy.
	MaxAttemptsDefault int    `yaml:"maxAttemptsDefault"`
	BackoffPolicy      string `yaml:"backoffPolicy"`
	BackoffBaseSeconds int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds  int    `yaml:"backoffMaxSeconds"`

	// Per-type hard time limits, seconds.
	ImageTimeoutSeconds int `yaml:"imageTimeoutSeconds"`
	VideoTimeoutSeconds int `yaml:"videoTimeoutSeconds"`
	MeshTimeoutSeconds  int `yaml:"meshTimeoutSeconds"`

	LocalArtifactsDir string `yaml:"localArtifactsDir"`

	// RateLimit buckets are disabled when zero-valued.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	TracingEnabled     bool    `yaml:"tracingEnabled"`
	OTLPEndpoint       string  `yaml:"otlpEndpoint"`
	OTLPInsecure       bool    `yaml:"otlpInsecure"`
	TracingSampleRatio float64 `yaml:"tracingSampleRatio"`
}

type RateLimitConfig struct {
	Submit RateLimitBucketConfig `yaml:"submit"`
}

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

// LoadConfigOptional loads the YAML file when the path names one, then
// applies environment overrides and defaults. A missing or empty path is not
// an error; env-only deployments are supported.
func LoadConfigOptional(filePath string) (*Config, error) {
	var c Config
	filePath = strings.TrimSpace(filePath)
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, &c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", filePath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// LoadConfig requires the file to exist.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.EngineURL = v
	}
	if v := os.Getenv("WORKFLOW_TEMPLATES_DIR"); v != "" {
		c.WorkflowTemplatesDir = v
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		c.ExecutionMode = v
	}
	if v := os.Getenv("MIN_VRAM_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinVRAMGB = f
		}
	}
	if v := os.Getenv("GPU_PROBE"); v != "" {
		c.GPUProbe = v
	}
	if v := os.Getenv("CLOUD_PROVIDER"); v != "" {
		c.CloudProvider = v
	}
	if v := os.Getenv("CLOUD_API_KEY"); v != "" {
		c.CloudAPIKey = v
	}
	if v := os.Getenv("CLOUD_BASE_URL"); v != "" {
		c.CloudBaseURL = v
	}
	if v := os.Getenv("CALLBACK_BASE_URL"); v != "" {
		c.CallbackBaseURL = v
	}
	if v := os.Getenv("WORKER_KEY"); v != "" {
		c.WorkerKey = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("WORKER_TYPES"); v != "" {
		c.WorkerTypes = splitAndTrim(v)
	}
	if v := os.Getenv("MAX_ATTEMPTS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAttemptsDefault = n
		}
	}
	if v := os.Getenv("BACKOFF_POLICY"); v != "" {
		c.BackoffPolicy = v
	}
	if v := os.Getenv("BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("LOCAL_ARTIFACTS_DIR"); v != "" {
		c.LocalArtifactsDir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
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
	if c.EngineURL == "" {
		c.EngineURL = "http://localhost:8188"
	}
	if c.WorkflowTemplatesDir == "" {
		c.WorkflowTemplatesDir = "./workflows"
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = "auto"
	}
	if c.MinVRAMGB <= 0 {
		c.MinVRAMGB = 8
	}
	if c.GPUProbe == "" {
		c.GPUProbe = "smi"
	}
	if c.CloudProvider == "" {
		c.CloudProvider = "none"
	}
	if c.CallbackWorkers <= 0 {
		c.CallbackWorkers = 2
	}
	if c.CallbackQueueSize <= 0 {
		c.CallbackQueueSize = 256
	}
	if c.CallbackMaxAttempts <= 0 {
		c.CallbackMaxAttempts = 5
	}
	if c.CallbackRetryDelaySeconds <= 0 {
		c.CallbackRetryDelaySeconds = 5
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "axiom-worker"
		}
		c.WorkerID = host
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if len(c.WorkerTypes) == 0 {
		c.WorkerTypes = []string{"image", "video", "mesh"}
	}
	if c.DefaultLeaseSeconds <= 0 {
		c.DefaultLeaseSeconds = 300
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = c.DefaultLeaseSeconds / 3
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 1
	}
	if c.RequeueInspectLimit <= 0 {
		c.RequeueInspectLimit = 200
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 300
	}
	if c.CleanupBatchLimit <= 0 {
		c.CleanupBatchLimit = 1000
	}
	if c.MaxAttemptsDefault <= 0 {
		c.MaxAttemptsDefault = 4
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = "exp_full_jitter"
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 2
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 300
	}
	if c.ImageTimeoutSeconds <= 0 {
		c.ImageTimeoutSeconds = 600
	}
	if c.VideoTimeoutSeconds <= 0 {
		c.VideoTimeoutSeconds = 1260
	}
	if c.MeshTimeoutSeconds <= 0 {
		c.MeshTimeoutSeconds = 960
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/var/lib/axiom/artifacts"
	}

	log.Printf("Worker Config: {Port:%d Redis:%s Engine:%s Mode:%s Workers:%d Lease:%ds}\n",
		c.Port, c.RedisAddr, c.EngineURL, c.ExecutionMode, c.Workers, c.DefaultLeaseSeconds)
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev" || env == "test"

	switch c.ExecutionMode {
	case "local", "cloud", "auto":
	default:
		errs = append(errs, fmt.Sprintf("executionMode %q must be local, cloud, or auto", c.ExecutionMode))
	}
	switch c.GPUProbe {
	case "smi", "static":
	default:
		errs = append(errs, fmt.Sprintf("gpuProbe %q must be smi or static", c.GPUProbe))
	}

	if c.ExecutionMode == "cloud" && (c.CloudProvider == "" || c.CloudProvider == "none") {
		errs = append(errs, "cloudProvider is required in cloud mode")
	}
	if c.CloudProvider != "" && c.CloudProvider != "none" && c.CloudAPIKey == "" && !dev {
		errs = append(errs, "cloudApiKey is required when a cloud provider is configured")
	}

	if c.CallbackBaseURL == "" {
		if !dev {
			errs = append(errs, "callbackBaseUrl is required in non-dev")
		}
	} else {
		u, err := url.Parse(c.CallbackBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "callbackBaseUrl must be a valid http(s) URL")
		}
	}
	if c.WorkerKey == "" && !dev {
		errs = append(errs, "workerKey is required in non-dev")
	}

	for _, t := range c.WorkerTypes {
		switch t {
		case "image", "video", "mesh":
		default:
			errs = append(errs, fmt.Sprintf("workerTypes entry %q is not a known media type", t))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
