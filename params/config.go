package params

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Constellation is the initial settings proposal. The alpha submits it as
// the first quantum of an empty ledger; auditors only use Alpha and Nodes.
type Constellation struct {
	Alpha          string   // node id (hex ed25519 public key)
	Nodes          []string // every node id, alpha included
	QuoteAsset     string
	Assets         []string
	MinOrderAmount int64
	Providers      []string
}

type Node struct {
	Seed       string // hex ed25519 seed; a random key is generated when empty
	DataDir    string // pebble directory; in-memory storage when empty
	ListenAddr string
	Bootstrap  []string // full multiaddrs of peers including /p2p/<peer id>
	APIAddr    string   // empty disables the HTTP API
	LogFile    string
	JournalLog string // human readable processed-quantum log, disabled when empty

	// PeerInterval paces reconnect attempts to missing peers.
	PeerInterval time.Duration
}

type Storage struct {
	WindowCapacity  int
	WindowThreshold int
	SaveInterval    time.Duration
	SaveBatch       int
	// SnapshotInterval is the number of quanta between ledger snapshots.
	SnapshotInterval int
}

type Replication struct {
	MinBatch     int
	MaxBatch     int
	LagThreshold uint64
}

type Rising struct {
	SettleDelay time.Duration
	Timeout     time.Duration
}

type Throttle struct {
	Window    int
	Threshold int
	MaxQueue  int
}

type Config struct {
	Constellation Constellation
	Node          Node
	Storage       Storage
	Replication   Replication
	Rising        Rising
	Throttle      Throttle
}

func Default() Config {
	return Config{
		Constellation: Constellation{
			QuoteAsset:     "USD",
			Assets:         []string{"BTC", "ETH"},
			MinOrderAmount: 1,
		},
		Node: Node{
			ListenAddr:   "/ip4/0.0.0.0/tcp/9000",
			APIAddr:      ":8080",
			LogFile:      "data/node.log",
			PeerInterval: 2 * time.Second,
		},
		Storage: Storage{
			WindowCapacity:   100_000,
			WindowThreshold:  10_000,
			SaveInterval:     100 * time.Millisecond,
			SaveBatch:        500,
			SnapshotInterval: 10_000,
		},
		Replication: Replication{
			MinBatch:     16,
			MaxBatch:     1024,
			LagThreshold: 100_000,
		},
		Rising: Rising{
			SettleDelay: 2 * time.Second,
			Timeout:     5 * time.Second,
		},
		Throttle: Throttle{
			Window:    5,
			Threshold: 100,
			MaxQueue:  10_000,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	c := &cfg.Constellation
	c.Alpha = getEnv("ALPHA", c.Alpha)
	c.Nodes = getList("NODES", c.Nodes)
	c.QuoteAsset = getEnv("QUOTE_ASSET", c.QuoteAsset)
	c.Assets = getList("ASSETS", c.Assets)
	c.MinOrderAmount = int64(getInt("MIN_ORDER_AMOUNT", int(c.MinOrderAmount)))
	c.Providers = getList("PROVIDERS", c.Providers)

	n := &cfg.Node
	n.Seed = getEnv("NODE_SEED", n.Seed)
	n.DataDir = getEnv("DATA_DIR", n.DataDir)
	n.ListenAddr = getEnv("LISTEN", n.ListenAddr)
	n.Bootstrap = getList("BOOTSTRAP", n.Bootstrap)
	if v, ok := os.LookupEnv("API_ADDR"); ok {
		n.APIAddr = v
	}
	n.LogFile = getEnv("LOG_FILE", n.LogFile)
	n.JournalLog = getEnv("JOURNAL_LOG", n.JournalLog)
	n.PeerInterval = getMillis("PEER_INTERVAL_MS", n.PeerInterval)

	s := &cfg.Storage
	s.WindowCapacity = getInt("WINDOW_CAPACITY", s.WindowCapacity)
	s.WindowThreshold = getInt("WINDOW_THRESHOLD", s.WindowThreshold)
	s.SaveInterval = getMillis("SAVE_INTERVAL_MS", s.SaveInterval)
	s.SaveBatch = getInt("SAVE_BATCH", s.SaveBatch)
	s.SnapshotInterval = getInt("SNAPSHOT_INTERVAL", s.SnapshotInterval)

	r := &cfg.Replication
	r.MinBatch = getInt("REPLICATION_MIN_BATCH", r.MinBatch)
	r.MaxBatch = getInt("REPLICATION_MAX_BATCH", r.MaxBatch)
	r.LagThreshold = uint64(getInt("REPLICATION_LAG_THRESHOLD", int(r.LagThreshold)))

	cfg.Rising.SettleDelay = getMillis("RISING_SETTLE_MS", cfg.Rising.SettleDelay)
	cfg.Rising.Timeout = getMillis("RISING_TIMEOUT_MS", cfg.Rising.Timeout)

	t := &cfg.Throttle
	t.Window = getInt("THROTTLE_WINDOW", t.Window)
	t.Threshold = getInt("THROTTLE_THRESHOLD", t.Threshold)
	t.MaxQueue = getInt("MAX_QUEUE", t.MaxQueue)

	return cfg
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	if c.Constellation.Alpha == "" {
		return errors.New("ALPHA is not set")
	}
	if len(c.Constellation.Nodes) == 0 {
		return errors.New("NODES is empty")
	}
	for _, n := range c.Constellation.Nodes {
		if n == c.Constellation.Alpha {
			return nil
		}
	}
	return errors.New("ALPHA is not listed in NODES")
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getList splits a comma-separated variable, e.g. "BTC,ETH".
func getList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
