package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/pkg/hashutil"
)

const (
	KVMemory = "memory"
	KVRedis  = "redis"
	KVSQLite = "sqlite"
)

const (
	ProtocolHTTP = "http"
	ProtocolFile = "file"
)

type Config struct {
	//===============
	//  Run
	//===============
	// Names the run and its queue namespace. Reusing the id of an interrupted
	// run resumes its queue. Empty means a fresh id per run.
	runID string
	// Number of workers dispatching items concurrently.
	concurrency int
	// Discovery is triggered whenever the queue drops below this size.
	// Zero disables proactive discovery.
	targetQueueSize int
	// Items a worker dequeues at once.
	batchSize int
	// How long in-flight loads may continue after an interrupt.
	gracePeriod time.Duration

	//===============
	// Work sources
	//===============
	// Items given to the run up front.
	seeds []string
	// Root directory walked for file items.
	sourceDir string
	// Maximum directory depth below sourceDir. Negative means unlimited.
	sourceMaxDepth int
	// File extensions kept while walking sourceDir. Empty keeps all files.
	sourceExtensions []string
	// First page of a paginated JSON listing.
	listingURL string
	// Maximum listing pages to follow. Zero means unlimited.
	listingMaxPages int

	//===============
	// Transport
	//===============
	// Connection settings per protocol name.
	protocols map[string]pool.ProtocolConfig
	// User agent sent by HTTP loaders.
	userAgent string
	// Static bearer token attached to every pooled call.
	authToken string
	// Whether HTTP items are vetted against the host's robots.txt.
	respectRobots bool

	//===============
	// Queue backend
	//===============
	kvBackend string
	kvAddr    string
	kvPath    string
	kvPrefix  string

	//===============
	// Output
	//===============
	// Root directory in which committed bundles are stored.
	outputDir string
	// Whether bundle resources are gzip compressed.
	compress bool
	hashAlgo hashutil.HashAlgo

	//===============
	// Observability
	//===============
	kafkaBroker string
	kafkaTopic  string
	// Address of the Prometheus endpoint. Empty disables it.
	metricsAddr string
	logLevel    string
	logFormat   string
}

type protocolDTO struct {
	ConnectTimeout    duration `json:"connectTimeout,omitempty" toml:"connectTimeout"`
	RequestTimeout    duration `json:"requestTimeout,omitempty" toml:"requestTimeout"`
	RequestsPerSecond float64  `json:"requestsPerSecond,omitempty" toml:"requestsPerSecond"`
	MaxBytesPerSecond int64    `json:"maxBytesPerSecond,omitempty" toml:"maxBytesPerSecond"`
	MaxConnections    int      `json:"maxConnections,omitempty" toml:"maxConnections"`
	// pointers: zero retries and disabled jitter are valid settings
	MaxRetries      *int     `json:"maxRetries,omitempty" toml:"maxRetries"`
	BaseDelay       duration `json:"baseDelay,omitempty" toml:"baseDelay"`
	MaxDelay        duration `json:"maxDelay,omitempty" toml:"maxDelay"`
	ExponentialBase float64  `json:"exponentialBase,omitempty" toml:"exponentialBase"`
	Jitter          *bool    `json:"jitter,omitempty" toml:"jitter"`
	AuthRef         string   `json:"authRef,omitempty" toml:"authRef"`
}

type configDTO struct {
	RunID            string                 `json:"runId,omitempty" toml:"runId"`
	Concurrency      int                    `json:"concurrency,omitempty" toml:"concurrency"`
	TargetQueueSize  *int                   `json:"targetQueueSize,omitempty" toml:"targetQueueSize"`
	BatchSize        int                    `json:"batchSize,omitempty" toml:"batchSize"`
	GracePeriod      duration               `json:"gracePeriod,omitempty" toml:"gracePeriod"`
	Seeds            []string               `json:"seeds,omitempty" toml:"seeds"`
	SourceDir        string                 `json:"sourceDir,omitempty" toml:"sourceDir"`
	SourceMaxDepth   *int                   `json:"sourceMaxDepth,omitempty" toml:"sourceMaxDepth"`
	SourceExtensions []string               `json:"sourceExtensions,omitempty" toml:"sourceExtensions"`
	ListingURL       string                 `json:"listingUrl,omitempty" toml:"listingUrl"`
	ListingMaxPages  int                    `json:"listingMaxPages,omitempty" toml:"listingMaxPages"`
	Protocols        map[string]protocolDTO `json:"protocols,omitempty" toml:"protocols"`
	UserAgent        string                 `json:"userAgent,omitempty" toml:"userAgent"`
	AuthToken        string                 `json:"authToken,omitempty" toml:"authToken"`
	RespectRobots    bool                   `json:"respectRobots,omitempty" toml:"respectRobots"`
	KV               struct {
		Backend string `json:"backend,omitempty" toml:"backend"`
		Addr    string `json:"addr,omitempty" toml:"addr"`
		Path    string `json:"path,omitempty" toml:"path"`
		Prefix  string `json:"prefix,omitempty" toml:"prefix"`
	} `json:"kv" toml:"kv"`
	OutputDir   string `json:"outputDir,omitempty" toml:"outputDir"`
	Compress    bool   `json:"compress,omitempty" toml:"compress"`
	HashAlgo    string `json:"hashAlgo,omitempty" toml:"hashAlgo"`
	KafkaBroker string `json:"kafkaBroker,omitempty" toml:"kafkaBroker"`
	KafkaTopic  string `json:"kafkaTopic,omitempty" toml:"kafkaTopic"`
	MetricsAddr string `json:"metricsAddr,omitempty" toml:"metricsAddr"`
	LogLevel    string `json:"logLevel,omitempty" toml:"logLevel"`
	LogFormat   string `json:"logFormat,omitempty" toml:"logFormat"`
}

func newConfigFromDTO(dto configDTO) (Config, error) {
	cfg := WithDefault()

	// only override when a non-zero value is provided
	if dto.RunID != "" {
		cfg.runID = dto.RunID
	}
	if dto.Concurrency != 0 {
		cfg.concurrency = dto.Concurrency
	}
	if dto.TargetQueueSize != nil {
		cfg.targetQueueSize = *dto.TargetQueueSize
	}
	if dto.BatchSize != 0 {
		cfg.batchSize = dto.BatchSize
	}
	if dto.GracePeriod != 0 {
		cfg.gracePeriod = time.Duration(dto.GracePeriod)
	}
	cfg.seeds = dto.Seeds
	cfg.sourceDir = dto.SourceDir
	if dto.SourceMaxDepth != nil {
		cfg.sourceMaxDepth = *dto.SourceMaxDepth
	}
	cfg.sourceExtensions = dto.SourceExtensions
	cfg.listingURL = dto.ListingURL
	cfg.listingMaxPages = dto.ListingMaxPages

	for name, p := range dto.Protocols {
		cfg.WithProtocol(mergeProtocol(cfg.Protocol(name), p))
	}

	if dto.UserAgent != "" {
		cfg.userAgent = dto.UserAgent
	}
	cfg.authToken = dto.AuthToken
	cfg.respectRobots = dto.RespectRobots

	if dto.KV.Backend != "" {
		cfg.kvBackend = dto.KV.Backend
	}
	cfg.kvAddr = dto.KV.Addr
	cfg.kvPath = dto.KV.Path
	if dto.KV.Prefix != "" {
		cfg.kvPrefix = dto.KV.Prefix
	}

	if dto.OutputDir != "" {
		cfg.outputDir = dto.OutputDir
	}
	cfg.compress = dto.Compress
	if dto.HashAlgo != "" {
		cfg.hashAlgo = hashutil.HashAlgo(dto.HashAlgo)
	}

	cfg.kafkaBroker = dto.KafkaBroker
	if dto.KafkaTopic != "" {
		cfg.kafkaTopic = dto.KafkaTopic
	}
	cfg.metricsAddr = dto.MetricsAddr
	if dto.LogLevel != "" {
		cfg.logLevel = dto.LogLevel
	}
	if dto.LogFormat != "" {
		cfg.logFormat = dto.LogFormat
	}

	return cfg.Build()
}

func mergeProtocol(base pool.ProtocolConfig, p protocolDTO) pool.ProtocolConfig {
	if p.ConnectTimeout != 0 {
		base.ConnectTimeout = time.Duration(p.ConnectTimeout)
	}
	if p.RequestTimeout != 0 {
		base.RequestTimeout = time.Duration(p.RequestTimeout)
	}
	if p.RequestsPerSecond != 0 {
		base.RequestsPerSecond = p.RequestsPerSecond
	}
	if p.MaxBytesPerSecond != 0 {
		base.MaxBytesPerSecond = p.MaxBytesPerSecond
	}
	if p.MaxConnections != 0 {
		base.MaxConnections = p.MaxConnections
	}
	if p.MaxRetries != nil {
		base.MaxRetries = *p.MaxRetries
	}
	if p.BaseDelay != 0 {
		base.BaseDelay = time.Duration(p.BaseDelay)
	}
	if p.MaxDelay != 0 {
		base.MaxDelay = time.Duration(p.MaxDelay)
	}
	if p.ExponentialBase != 0 {
		base.ExponentialBase = p.ExponentialBase
	}
	if p.Jitter != nil {
		base.Jitter = *p.Jitter
	}
	if p.AuthRef != "" {
		base.AuthRef = p.AuthRef
	}
	return base
}

// WithConfigFile loads a config file. Files ending in .toml are decoded as
// TOML, anything else as JSON. Fields absent from the file keep their
// defaults.
func WithConfigFile(path string) (Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	configContent, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}

	cfgDTO := configDTO{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(configContent), &cfgDTO)
	} else {
		err = json.Unmarshal(configContent, &cfgDTO)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}

	return newConfigFromDTO(cfgDTO)
}

// WithDefault creates a new Config with default values for all fields.
// At least one work source (or a run id to resume) must be set before Build.
func WithDefault() *Config {
	defaultConfig := Config{
		concurrency:     4,
		targetQueueSize: 64,
		batchSize:       4,
		gracePeriod:     10 * time.Second,
		sourceMaxDepth:  -1,
		protocols: map[string]pool.ProtocolConfig{
			ProtocolHTTP: pool.DefaultProtocolConfig(ProtocolHTTP),
			ProtocolFile: fileProtocolDefaults(),
		},
		userAgent:  "harvester/1.0",
		kvBackend:  KVMemory,
		kvPrefix:   "harvester",
		outputDir:  "output",
		hashAlgo:   hashutil.HashAlgoBLAKE3,
		kafkaTopic: "harvester.bundles",
		logLevel:   "info",
		logFormat:  "json",
	}
	return &defaultConfig
}

// local reads need no spacing between requests
func fileProtocolDefaults() pool.ProtocolConfig {
	cfg := pool.DefaultProtocolConfig(ProtocolFile)
	cfg.RequestsPerSecond = 0
	cfg.MaxRetries = 1
	return cfg
}

func (c *Config) WithRunID(id string) *Config {
	c.runID = id
	return c
}

func (c *Config) WithConcurrency(concurrency int) *Config {
	c.concurrency = concurrency
	return c
}

func (c *Config) WithTargetQueueSize(size int) *Config {
	c.targetQueueSize = size
	return c
}

func (c *Config) WithBatchSize(size int) *Config {
	c.batchSize = size
	return c
}

func (c *Config) WithGracePeriod(d time.Duration) *Config {
	c.gracePeriod = d
	return c
}

func (c *Config) WithSeeds(seeds []string) *Config {
	c.seeds = seeds
	return c
}

func (c *Config) WithSourceDir(dir string) *Config {
	c.sourceDir = dir
	return c
}

func (c *Config) WithSourceMaxDepth(depth int) *Config {
	c.sourceMaxDepth = depth
	return c
}

func (c *Config) WithSourceExtensions(exts []string) *Config {
	c.sourceExtensions = exts
	return c
}

func (c *Config) WithListingURL(u string) *Config {
	c.listingURL = u
	return c
}

func (c *Config) WithListingMaxPages(n int) *Config {
	c.listingMaxPages = n
	return c
}

// WithProtocol sets the connection settings of p.Protocol.
func (c *Config) WithProtocol(p pool.ProtocolConfig) *Config {
	c.protocols = maps.Clone(c.protocols)
	if c.protocols == nil {
		c.protocols = make(map[string]pool.ProtocolConfig)
	}
	c.protocols[p.Protocol] = p
	return c
}

func (c *Config) WithUserAgent(agent string) *Config {
	c.userAgent = agent
	return c
}

func (c *Config) WithAuthToken(token string) *Config {
	c.authToken = token
	return c
}

func (c *Config) WithRespectRobots(respect bool) *Config {
	c.respectRobots = respect
	return c
}

func (c *Config) WithKV(backend, addr, path string) *Config {
	c.kvBackend = backend
	c.kvAddr = addr
	c.kvPath = path
	return c
}

func (c *Config) WithKVPrefix(prefix string) *Config {
	c.kvPrefix = prefix
	return c
}

func (c *Config) WithOutputDir(outputDir string) *Config {
	c.outputDir = outputDir
	return c
}

func (c *Config) WithCompress(compress bool) *Config {
	c.compress = compress
	return c
}

func (c *Config) WithHashAlgo(algo hashutil.HashAlgo) *Config {
	c.hashAlgo = algo
	return c
}

func (c *Config) WithKafka(broker, topic string) *Config {
	c.kafkaBroker = broker
	if topic != "" {
		c.kafkaTopic = topic
	}
	return c
}

func (c *Config) WithMetricsAddr(addr string) *Config {
	c.metricsAddr = addr
	return c
}

func (c *Config) WithLogLevel(level string) *Config {
	c.logLevel = level
	return c
}

func (c *Config) WithLogFormat(format string) *Config {
	c.logFormat = format
	return c
}

func (c *Config) Build() (Config, error) {
	if c.concurrency < 1 {
		return Config{}, fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.concurrency)
	}
	if c.targetQueueSize < 0 {
		return Config{}, fmt.Errorf("%w: targetQueueSize cannot be negative", ErrInvalidConfig)
	}
	if c.batchSize < 1 {
		return Config{}, fmt.Errorf("%w: batchSize must be at least 1, got %d", ErrInvalidConfig, c.batchSize)
	}
	if len(c.seeds) == 0 && c.sourceDir == "" && c.listingURL == "" && c.runID == "" {
		return Config{}, fmt.Errorf("%w: no work source: set seeds, sourceDir or listingUrl, or a runId to resume", ErrInvalidConfig)
	}

	switch c.kvBackend {
	case KVMemory:
	case KVRedis:
		if c.kvAddr == "" {
			return Config{}, fmt.Errorf("%w: redis backend needs kv addr", ErrInvalidConfig)
		}
	case KVSQLite:
		if c.kvPath == "" {
			return Config{}, fmt.Errorf("%w: sqlite backend needs kv path", ErrInvalidConfig)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown kv backend %q", ErrInvalidConfig, c.kvBackend)
	}

	if _, err := hashutil.New(c.hashAlgo); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	if c.logFormat != "json" && c.logFormat != "text" {
		return Config{}, fmt.Errorf("%w: log format must be json or text, got %q", ErrInvalidConfig, c.logFormat)
	}
	if c.kafkaBroker != "" && c.kafkaTopic == "" {
		return Config{}, fmt.Errorf("%w: kafka broker set without a topic", ErrInvalidConfig)
	}
	for name, p := range c.protocols {
		if p.MaxRetries < 0 {
			return Config{}, fmt.Errorf("%w: protocol %s: maxRetries cannot be negative", ErrInvalidConfig, name)
		}
		if p.RequestsPerSecond < 0 {
			return Config{}, fmt.Errorf("%w: protocol %s: requestsPerSecond cannot be negative", ErrInvalidConfig, name)
		}
	}

	return *c, nil
}

func (c Config) RunID() string {
	return c.runID
}

func (c Config) Concurrency() int {
	return c.concurrency
}

func (c Config) TargetQueueSize() int {
	return c.targetQueueSize
}

func (c Config) BatchSize() int {
	return c.batchSize
}

func (c Config) GracePeriod() time.Duration {
	return c.gracePeriod
}

func (c Config) Seeds() []string {
	return slices.Clone(c.seeds)
}

func (c Config) SourceDir() string {
	return c.sourceDir
}

func (c Config) SourceMaxDepth() int {
	return c.sourceMaxDepth
}

func (c Config) SourceExtensions() []string {
	return slices.Clone(c.sourceExtensions)
}

func (c Config) ListingURL() string {
	return c.listingURL
}

func (c Config) ListingMaxPages() int {
	return c.listingMaxPages
}

// Protocol returns the settings of the named protocol, falling back to
// pool defaults for protocols that were never configured.
func (c Config) Protocol(name string) pool.ProtocolConfig {
	if p, ok := c.protocols[name]; ok {
		return p
	}
	return pool.DefaultProtocolConfig(name)
}

func (c Config) UserAgent() string {
	return c.userAgent
}

func (c Config) AuthToken() string {
	return c.authToken
}

func (c Config) RespectRobots() bool {
	return c.respectRobots
}

func (c Config) KVBackend() string {
	return c.kvBackend
}

func (c Config) KVAddr() string {
	return c.kvAddr
}

func (c Config) KVPath() string {
	return c.kvPath
}

func (c Config) KVPrefix() string {
	return c.kvPrefix
}

func (c Config) OutputDir() string {
	return c.outputDir
}

func (c Config) Compress() bool {
	return c.compress
}

func (c Config) HashAlgo() hashutil.HashAlgo {
	return c.hashAlgo
}

func (c Config) KafkaBroker() string {
	return c.kafkaBroker
}

func (c Config) KafkaTopic() string {
	return c.kafkaTopic
}

func (c Config) MetricsAddr() string {
	return c.metricsAddr
}

func (c Config) LogLevel() string {
	return c.logLevel
}

func (c Config) LogFormat() string {
	return c.logFormat
}
