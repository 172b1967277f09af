package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	WalEngineBadger = "badger"
	WalEngineMemory = "memory"
)

const (
	defaultCatalogName               = "catalog"
	defaultDataDir                   = "/tmp/tinydoc"
	defaultQueueSize                 = 128
	defaultFlushFrequency            = time.Second
	defaultWalDrainingInterval       = time.Second
	defaultIsolatedWalSpillThreshold = 4 * 1024 * 1024
)

// Config is the configuration of an embedded catalog.
type Config struct {
	CatalogName string `toml:"catalog-name" yaml:"catalog-name"`
	// DataDir holds the shared WAL and the spilled isolated WALs.
	DataDir   string `toml:"data-dir" yaml:"data-dir"`
	WalEngine string `toml:"wal-engine" yaml:"wal-engine"`
	// SyncWrites makes every shared WAL append wait for the disk.
	SyncWrites bool `toml:"sync-writes" yaml:"sync-writes"`

	Log log.Config `toml:"log" yaml:"log"`

	ThreadPool  ThreadPoolConfig  `toml:"transaction-thread-pool" yaml:"transaction-thread-pool"`
	Transaction TransactionConfig `toml:"transaction" yaml:"transaction"`
}

type ThreadPoolConfig struct {
	// QueueSize bounds the queue of every pipeline stage.
	QueueSize int `toml:"queue-size" yaml:"queue-size"`
}

type TransactionConfig struct {
	// FlushFrequency is the time budget of a trunk incorporation batch.
	FlushFrequency      Duration `toml:"flush-frequency" yaml:"flush-frequency"`
	WalDrainingInterval Duration `toml:"wal-draining-interval" yaml:"wal-draining-interval"`
	// IsolatedWalSpillThreshold is the size above which an isolated WAL moves from memory to a file.
	IsolatedWalSpillThreshold ByteSize `toml:"isolated-wal-spill-threshold" yaml:"isolated-wal-spill-threshold"`
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		CatalogName: defaultCatalogName,
		DataDir:     defaultDataDir,
		WalEngine:   WalEngineBadger,
		SyncWrites:  true,
		Log:         log.Config{Level: getLogLevel()},
		ThreadPool:  ThreadPoolConfig{QueueSize: defaultQueueSize},
		Transaction: TransactionConfig{
			FlushFrequency:            NewDuration(defaultFlushFrequency),
			WalDrainingInterval:       NewDuration(defaultWalDrainingInterval),
			IsolatedWalSpillThreshold: defaultIsolatedWalSpillThreshold,
		},
	}
}

// NewTestConfig keeps everything in memory and uses short intervals.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.DataDir = ""
	c.WalEngine = WalEngineMemory
	c.SyncWrites = false
	c.ThreadPool.QueueSize = 16
	c.Transaction.FlushFrequency = NewDuration(50 * time.Millisecond)
	c.Transaction.WalDrainingInterval = NewDuration(10 * time.Millisecond)
	c.Transaction.IsolatedWalSpillThreshold = 64 * 1024
	return c
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills the options a partial file left empty with their defaults.
func (c *Config) Adjust() {
	adjustString(&c.CatalogName, defaultCatalogName)
	adjustString(&c.WalEngine, WalEngineBadger)
	adjustString(&c.Log.Level, getLogLevel())
	adjustInt(&c.ThreadPool.QueueSize, defaultQueueSize)
	adjustDuration(&c.Transaction.FlushFrequency, defaultFlushFrequency)
	adjustDuration(&c.Transaction.WalDrainingInterval, defaultWalDrainingInterval)
	if c.Transaction.IsolatedWalSpillThreshold == 0 {
		c.Transaction.IsolatedWalSpillThreshold = defaultIsolatedWalSpillThreshold
	}
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	switch c.WalEngine {
	case WalEngineBadger:
		if c.DataDir == "" {
			return errors.New("data-dir is required by the badger wal engine")
		}
	case WalEngineMemory:
	default:
		return errors.Errorf("unknown wal-engine %q, expected %s or %s", c.WalEngine, WalEngineBadger, WalEngineMemory)
	}
	if c.ThreadPool.QueueSize < 0 {
		return errors.Errorf("transaction-thread-pool.queue-size must not be negative, got %d", c.ThreadPool.QueueSize)
	}
	if c.Transaction.FlushFrequency.Duration < 0 || c.Transaction.WalDrainingInterval.Duration < 0 {
		return errors.New("transaction intervals must not be negative")
	}
	if c.DataDir != "" && c.Log.File.Filename != "" {
		dataDir, err := filepath.Abs(c.DataDir)
		if err != nil {
			return errors.WithStack(err)
		}
		logFile, err := filepath.Abs(c.Log.File.Filename)
		if err != nil {
			return errors.WithStack(err)
		}
		rel, err := filepath.Rel(dataDir, filepath.Dir(logFile))
		if err != nil {
			return errors.WithStack(err)
		}
		if !strings.HasPrefix(rel, "..") {
			return errors.New("log directory shouldn't be the subdirectory of data directory")
		}
	}
	return nil
}

// WalDir is where the badger shared WAL lives.
func (c *Config) WalDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// SpillDir is where isolated WALs are spilled to, the system temp dir for in-memory setups.
func (c *Config) SpillDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "isolated")
}

// LoadFile reads a toml file, or a yaml file when the name ends with .yaml or .yml, over the defaults. Keys the
// configuration does not know are rejected.
func LoadFile(path string) (*Config, error) {
	return LoadFileWithLogLevel(path, getLogLevel())
}

// LoadFileWithLogLevel is LoadFile with logLevel used when the file sets no log level.
func LoadFileWithLogLevel(path, logLevel string) (*Config, error) {
	c := NewDefaultConfig()
	c.Log.Level = ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := yaml.UnmarshalWithOptions(data, c, yaml.DisallowUnknownField()); err != nil {
			return nil, errors.Annotatef(err, "parse %s", path)
		}
	default:
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "parse %s", path)
		}
		if err := checkUndecoded(meta); err != nil {
			return nil, err
		}
	}
	adjustString(&c.Log.Level, logLevel)
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return errors.Errorf("config contains undefined items: %s", strings.Join(keys, ", "))
}

// SetupLogger initializes the global logger from the log section.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config(%s, wal-engine=%s, data-dir=%s, queue-size=%d, flush-frequency=%s)",
		c.CatalogName, c.WalEngine, c.DataDir, c.ThreadPool.QueueSize, c.Transaction.FlushFrequency)
}
