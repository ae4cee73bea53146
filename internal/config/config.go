/**
 * Configuration for the Question Extraction Worker
 *
 * Defaults, then an optional YAML overlay (CONFIG_FILE), then environment
 * variables. Core packages receive resolved values and never read the
 * environment themselves.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	"github.com/adverant/nexus/questionprocess-worker/internal/correction"
	"github.com/adverant/nexus/questionprocess-worker/internal/enhance"
	"github.com/adverant/nexus/questionprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/questionprocess-worker/internal/recognizer"
)

// Queue modes
const (
	QueueModeAsynq = "asynq"
	QueueModeList  = "list"
)

// Recognizer engines
const (
	EngineTesseract = "tesseract"
	EngineRemote    = "remote"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string `yaml:"redisUrl"`

	// PostgreSQL configuration; empty disables persistence
	DatabaseURL string `yaml:"databaseUrl"`

	// Qdrant vector database configuration; empty disables the similarity bank
	QdrantURL        string `yaml:"qdrantUrl"`
	QdrantCollection string `yaml:"qdrantCollection"`

	// HTTP surface
	HTTPPort int `yaml:"httpPort"`

	// Queue configuration
	QueueMode         string `yaml:"queueMode"`
	QueueName         string `yaml:"queueName"`
	WorkerConcurrency int    `yaml:"workerConcurrency"`
	ProcessingTimeout int    `yaml:"processingTimeoutMs"`
	MaxImageSize      int64  `yaml:"maxImageSize"`
	MaxImagePixels    int    `yaml:"maxImagePixels"`

	// Recognizer configuration
	OCREngine      string   `yaml:"ocrEngine"`
	OCRRemoteURL   string   `yaml:"ocrRemoteUrl"`
	PoolSize       int      `yaml:"poolSize"`
	Strategies     []string `yaml:"strategies"`
	Languages      []string `yaml:"languages"`
	Whitelist      string   `yaml:"whitelist"`
	DPI            int      `yaml:"dpi"`
	TessdataPrefix string   `yaml:"tessdataPrefix"`

	// Pipeline tunables
	PipelineTimeout        time.Duration `yaml:"pipelineTimeout"`
	AttemptTimeout         time.Duration `yaml:"attemptTimeout"`
	EarlyExitConfidence    float64       `yaml:"earlyExitConfidence"`
	CorroborationThreshold float64       `yaml:"corroborationThreshold"`
	DedupeThreshold        float64       `yaml:"dedupeThreshold"`
	LowConfidenceThreshold float64       `yaml:"lowConfidenceThreshold"`
	MathMode               string        `yaml:"mathMode"`

	// Result cache
	CacheMaxEntries int           `yaml:"cacheMaxEntries"`
	CacheMaxBytes   int64         `yaml:"cacheMaxBytes"`
	CacheMaxAge     time.Duration `yaml:"cacheMaxAge"`
	CacheRedis      bool          `yaml:"cacheRedis"`
	DuplicateWindow time.Duration `yaml:"duplicateWindow"`

	LogLevel string `yaml:"logLevel"`
	NodeEnv  string `yaml:"nodeEnv"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	pc := pipeline.DefaultConfig()
	cc := cache.DefaultConfig()
	strategies := make([]string, len(recognizer.DefaultStrategies))
	for i, s := range recognizer.DefaultStrategies {
		strategies[i] = string(s)
	}
	return &Config{
		RedisURL:               "redis://nexus-redis:6379",
		QdrantCollection:       "exam_questions",
		HTTPPort:               8098,
		QueueMode:              QueueModeAsynq,
		QueueName:              "questionprocess:jobs",
		WorkerConcurrency:      4,
		ProcessingTimeout:      120000, // 2 minutes
		MaxImageSize:           20 * 1024 * 1024,
		MaxImagePixels:         enhance.DefaultMaxPixels,
		OCREngine:              EngineTesseract,
		PoolSize:               3,
		Strategies:             strategies,
		Languages:              []string{"eng"},
		PipelineTimeout:        pc.Timeout,
		AttemptTimeout:         pc.Recognize.AttemptTimeout,
		EarlyExitConfidence:    pc.Recognize.EarlyExitConfidence,
		CorroborationThreshold: pc.CorroborationThreshold,
		DedupeThreshold:        pc.DedupeThreshold,
		LowConfidenceThreshold: pc.LowConfidenceThreshold,
		MathMode:               "auto",
		CacheMaxEntries:        cc.MaxEntries,
		CacheMaxBytes:          cc.MaxBytes,
		CacheMaxAge:            cc.MaxAge,
		CacheRedis:             true,
		DuplicateWindow:        time.Hour,
		LogLevel:               "info",
		NodeEnv:                "development",
	}
}

// LoadConfig loads configuration from CONFIG_FILE (when set) and environment variables
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load applies the YAML file at path (optional) and then environment overrides
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.QdrantURL = getEnvOrDefault("QDRANT_URL", c.QdrantURL)
	c.QdrantCollection = getEnvOrDefault("QDRANT_COLLECTION", c.QdrantCollection)
	c.HTTPPort = getEnvAsIntOrDefault("HTTP_PORT", c.HTTPPort)
	c.QueueMode = strings.ToLower(getEnvOrDefault("QUEUE_MODE", c.QueueMode))
	c.QueueName = getEnvOrDefault("QUEUE_NAME", c.QueueName)
	c.WorkerConcurrency = getEnvAsIntOrDefault("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.ProcessingTimeout = getEnvAsIntOrDefault("PROCESSING_TIMEOUT", c.ProcessingTimeout)
	c.MaxImageSize = getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", c.MaxImageSize)
	c.MaxImagePixels = getEnvAsIntOrDefault("MAX_IMAGE_PIXELS", c.MaxImagePixels)

	c.OCREngine = strings.ToLower(getEnvOrDefault("OCR_ENGINE", c.OCREngine))
	c.OCRRemoteURL = getEnvOrDefault("OCR_REMOTE_URL", c.OCRRemoteURL)
	c.PoolSize = getEnvAsIntOrDefault("OCR_POOL_SIZE", c.PoolSize)
	c.Strategies = getEnvAsListOrDefault("OCR_STRATEGIES", c.Strategies)
	c.Languages = getEnvAsListOrDefault("OCR_LANGUAGES", c.Languages)
	c.Whitelist = getEnvOrDefault("OCR_WHITELIST", c.Whitelist)
	c.DPI = getEnvAsIntOrDefault("OCR_DPI", c.DPI)
	c.TessdataPrefix = getEnvOrDefault("TESSDATA_PREFIX", c.TessdataPrefix)

	c.PipelineTimeout = getEnvAsDurationOrDefault("PIPELINE_TIMEOUT", c.PipelineTimeout)
	c.AttemptTimeout = getEnvAsDurationOrDefault("ATTEMPT_TIMEOUT", c.AttemptTimeout)
	c.EarlyExitConfidence = getEnvAsFloatOrDefault("EARLY_EXIT_CONFIDENCE", c.EarlyExitConfidence)
	c.CorroborationThreshold = getEnvAsFloatOrDefault("CORROBORATION_THRESHOLD", c.CorroborationThreshold)
	c.DedupeThreshold = getEnvAsFloatOrDefault("DEDUPE_THRESHOLD", c.DedupeThreshold)
	c.LowConfidenceThreshold = getEnvAsFloatOrDefault("LOW_CONFIDENCE_THRESHOLD", c.LowConfidenceThreshold)
	c.MathMode = getEnvOrDefault("MATH_MODE", c.MathMode)

	c.CacheMaxEntries = getEnvAsIntOrDefault("CACHE_MAX_ENTRIES", c.CacheMaxEntries)
	c.CacheMaxBytes = getEnvAsInt64OrDefault("CACHE_MAX_BYTES", c.CacheMaxBytes)
	c.CacheMaxAge = getEnvAsDurationOrDefault("CACHE_MAX_AGE", c.CacheMaxAge)
	c.CacheRedis = getEnvAsBoolOrDefault("CACHE_REDIS", c.CacheRedis)
	c.DuplicateWindow = getEnvAsDurationOrDefault("DUPLICATE_WINDOW", c.DuplicateWindow)

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.NodeEnv = getEnvOrDefault("NODE_ENV", c.NodeEnv)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueMode != QueueModeAsynq && c.QueueMode != QueueModeList {
		return fmt.Errorf("QUEUE_MODE must be %q or %q, got %q", QueueModeAsynq, QueueModeList, c.QueueMode)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 200*1024*1024 { // 1KB to 200MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 200MB, got %d", c.MaxImageSize)
	}

	if c.MaxImagePixels < 1_000_000 || c.MaxImagePixels > 500_000_000 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be between 1M and 500M, got %d", c.MaxImagePixels)
	}

	switch c.OCREngine {
	case EngineTesseract:
	case EngineRemote:
		if c.OCRRemoteURL == "" {
			return fmt.Errorf("OCR_REMOTE_URL is required when OCR_ENGINE=%s", EngineRemote)
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be %q or %q, got %q", EngineTesseract, EngineRemote, c.OCREngine)
	}

	if c.PoolSize < 1 || c.PoolSize > 64 {
		return fmt.Errorf("OCR_POOL_SIZE must be between 1 and 64, got %d", c.PoolSize)
	}

	if _, err := c.parsedStrategies(); err != nil {
		return err
	}

	if c.PipelineTimeout <= 0 || c.AttemptTimeout <= 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT and ATTEMPT_TIMEOUT must be positive")
	}

	for name, v := range map[string]float64{
		"EARLY_EXIT_CONFIDENCE":    c.EarlyExitConfidence,
		"CORROBORATION_THRESHOLD":  c.CorroborationThreshold,
		"DEDUPE_THRESHOLD":         c.DedupeThreshold,
		"LOW_CONFIDENCE_THRESHOLD": c.LowConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}

	return nil
}

func (c *Config) parsedStrategies() ([]recognizer.Strategy, error) {
	out := make([]recognizer.Strategy, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		st, ok := recognizer.ParseStrategy(s)
		if !ok {
			return nil, fmt.Errorf("OCR_STRATEGIES contains unknown strategy %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

// PoolConfig returns the recognizer pool sizing
func (c *Config) PoolConfig() recognizer.PoolConfig {
	strategies, _ := c.parsedStrategies()
	return recognizer.PoolConfig{Size: c.PoolSize, Strategies: strategies}
}

// EngineFactory returns the factory for the configured recognizer engine
func (c *Config) EngineFactory() recognizer.EngineFactory {
	if c.OCREngine == EngineRemote {
		return recognizer.RemoteFactory(recognizer.RemoteConfig{
			BaseURL: c.OCRRemoteURL,
			Timeout: c.AttemptTimeout,
		})
	}
	return recognizer.TesseractFactory(recognizer.TesseractConfig{Languages: c.Languages, TessdataPrefix: c.TessdataPrefix})
}

// CacheConfig returns the result cache limits
func (c *Config) CacheConfig() cache.Config {
	cc := cache.DefaultConfig()
	cc.MaxEntries = c.CacheMaxEntries
	cc.MaxBytes = c.CacheMaxBytes
	cc.MaxAge = c.CacheMaxAge
	return cc
}

// PipelineConfig returns the pipeline tunables; collaborators are left for the caller
func (c *Config) PipelineConfig() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.Timeout = c.PipelineTimeout
	pc.Normalizer.MaxPixels = c.MaxImagePixels
	pc.Recognize.AttemptTimeout = c.AttemptTimeout
	pc.Recognize.EarlyExitConfidence = c.EarlyExitConfidence
	pc.Recognize.Languages = c.Languages
	pc.Recognize.Whitelist = c.Whitelist
	pc.Recognize.DPI = c.DPI
	pc.CorroborationThreshold = c.CorroborationThreshold
	pc.DedupeThreshold = c.DedupeThreshold
	pc.LowConfidenceThreshold = c.LowConfidenceThreshold
	pc.MathMode = correction.ParseMathMode(c.MathMode)
	return pc
}

// JobTimeout is the per-job processing budget
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return defaultValue
}

// getEnvAsListOrDefault splits a comma separated variable
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
