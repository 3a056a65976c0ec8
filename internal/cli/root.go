package cmd

import (
	"fmt"
	"os"

	"github.com/rohmanhakim/harvester/internal/config"
	"github.com/rohmanhakim/harvester/pkg/hashutil"
	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	runID            string
	seeds            []string
	sourceDir        string
	sourceMaxDepth   int
	sourceExtensions []string
	listingURL       string
	listingMaxPages  int
	concurrency      int
	targetQueueSize  int
	batchSize        int
	outputDir        string
	compress         bool
	hashAlgo         string
	kvBackend        string
	kvAddr           string
	kvPath           string
	kvPrefix         string
	userAgent        string
	respectRobots    bool
	kafkaBroker      string
	kafkaTopic       string
	metricsAddr      string
	logLevel         string
	logFormat        string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "A resumable, concurrent work harvester.",
	Long: `harvester discovers work items from seeds, local directories and paginated
listings, loads each one through rate limited connection pools and commits the
results as content-hashed bundles.

Pending work lives in a durable queue, so an interrupted run can be resumed by
starting it again with the same --run-id.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	flags := runCmd.Flags()
	flags.StringVar(&cfgFile, "config-file", "", "config file path, .json or .toml (e.g., /home/myuser/harvester.toml)")
	flags.StringVar(&runID, "run-id", "", "run id; reuse the id of an interrupted run to resume it")
	flags.StringArrayVar(&seeds, "seed", []string{}, "one or more item ids or URLs to load (can be repeated)")
	flags.StringVar(&sourceDir, "source-dir", "", "directory to walk for file items")
	flags.IntVar(&sourceMaxDepth, "source-max-depth", -1, "maximum directory depth below --source-dir (-1 for unlimited)")
	flags.StringArrayVar(&sourceExtensions, "source-ext", []string{}, "only walk files with this extension (can be repeated)")
	flags.StringVar(&listingURL, "listing-url", "", "first page of a paginated JSON listing")
	flags.IntVar(&listingMaxPages, "listing-max-pages", 0, "maximum listing pages to follow (0 for unlimited)")
	flags.IntVar(&concurrency, "concurrency", 0, "number of concurrent workers")
	flags.IntVar(&targetQueueSize, "target-queue-size", -1, "discover more work whenever the queue drops below this size (0 disables)")
	flags.IntVar(&batchSize, "batch-size", 0, "items a worker dequeues at once")
	flags.StringVar(&outputDir, "output-dir", "", "root output directory for committed bundles")
	flags.BoolVar(&compress, "compress", false, "gzip bundle resources")
	flags.StringVar(&hashAlgo, "hash", "", "content hash algorithm: blake3 or sha256")
	flags.StringVar(&kvBackend, "kv", "", "queue backend: memory, redis or sqlite")
	flags.StringVar(&kvAddr, "kv-addr", "", "redis address")
	flags.StringVar(&kvPath, "kv-path", "", "sqlite database path")
	flags.StringVar(&kvPrefix, "kv-prefix", "", "key prefix for the redis backend")
	flags.StringVar(&userAgent, "user-agent", "", "user agent string for HTTP requests")
	flags.BoolVar(&respectRobots, "respect-robots", false, "skip HTTP items disallowed by the host's robots.txt")
	flags.StringVar(&kafkaBroker, "kafka-broker", "", "publish bundle events to this kafka broker")
	flags.StringVar(&kafkaTopic, "kafka-topic", "", "kafka topic for bundle events")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g., :9100)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "", "log format: json or text")
}

// InitConfigWithError builds the run configuration from the config file when
// one is given, and from flags over defaults otherwise.
func InitConfigWithError() (config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return cfg, fmt.Errorf("error initializing config from file: %w", err)
		}
		return cfg, nil
	}

	// Start with default config and apply flag overrides using method chaining
	configBuilder := config.WithDefault().
		WithRunID(runID).
		WithSeeds(seeds).
		WithSourceDir(sourceDir).
		WithSourceMaxDepth(sourceMaxDepth).
		WithSourceExtensions(sourceExtensions).
		WithListingURL(listingURL).
		WithListingMaxPages(listingMaxPages).
		WithCompress(compress).
		WithRespectRobots(respectRobots).
		WithMetricsAddr(metricsAddr).
		WithAuthToken(os.Getenv("HARVESTER_TOKEN"))

	if concurrency > 0 {
		configBuilder = configBuilder.WithConcurrency(concurrency)
	}
	if targetQueueSize >= 0 {
		configBuilder = configBuilder.WithTargetQueueSize(targetQueueSize)
	}
	if batchSize > 0 {
		configBuilder = configBuilder.WithBatchSize(batchSize)
	}
	if outputDir != "" {
		configBuilder = configBuilder.WithOutputDir(outputDir)
	}
	if hashAlgo != "" {
		configBuilder = configBuilder.WithHashAlgo(hashutil.HashAlgo(hashAlgo))
	}
	if kvBackend != "" {
		configBuilder = configBuilder.WithKV(kvBackend, kvAddr, kvPath)
	}
	if kvPrefix != "" {
		configBuilder = configBuilder.WithKVPrefix(kvPrefix)
	}
	if userAgent != "" {
		configBuilder = configBuilder.WithUserAgent(userAgent)
	}
	if kafkaBroker != "" {
		configBuilder = configBuilder.WithKafka(kafkaBroker, kafkaTopic)
	}
	if logLevel != "" {
		configBuilder = configBuilder.WithLogLevel(logLevel)
	}
	if logFormat != "" {
		configBuilder = configBuilder.WithLogFormat(logFormat)
	}

	return configBuilder.Build()
}

func ResetFlags() {
	cfgFile = ""
	runID = ""
	seeds = []string{}
	sourceDir = ""
	sourceMaxDepth = -1
	sourceExtensions = []string{}
	listingURL = ""
	listingMaxPages = 0
	concurrency = 0
	targetQueueSize = -1
	batchSize = 0
	outputDir = ""
	compress = false
	hashAlgo = ""
	kvBackend = ""
	kvAddr = ""
	kvPath = ""
	kvPrefix = ""
	userAgent = ""
	respectRobots = false
	kafkaBroker = ""
	kafkaTopic = ""
	metricsAddr = ""
	logLevel = ""
	logFormat = ""
}

// Test helper functions to set flag values from tests
func SetConfigFileForTest(path string) {
	cfgFile = path
}

func SetRunIDForTest(id string) {
	runID = id
}

func SetSeedsForTest(s []string) {
	seeds = s
}

func SetSourceDirForTest(dir string) {
	sourceDir = dir
}

func SetConcurrencyForTest(n int) {
	concurrency = n
}

func SetTargetQueueSizeForTest(n int) {
	targetQueueSize = n
}

func SetOutputDirForTest(dir string) {
	outputDir = dir
}

func SetCompressForTest(c bool) {
	compress = c
}

func SetKVForTest(backend, addr, path string) {
	kvBackend = backend
	kvAddr = addr
	kvPath = path
}

func SetKafkaForTest(broker, topic string) {
	kafkaBroker = broker
	kafkaTopic = topic
}

func SetLogFormatForTest(format string) {
	logFormat = format
}
