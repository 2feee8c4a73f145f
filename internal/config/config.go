package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const envPrefix = "PEERCTL_"

// TorrentSpec describes one loopback torrent for the run command.
type TorrentSpec struct {
	Name     string
	Blocks   int64
	Priority int
}

// RunConfig holds configuration for `peerctl run`.
type RunConfig struct {
	LogLevel string
	PeerID   string

	SchedulerParallelism int  // Basic shards (1..8)
	UsePriorities        bool // single prioritised shard instead of basic shards
	WeightedPriorities   bool
	RequestLimiting      bool
	MaxDownloadKBps      int // 0 = unlimited
	SchedulePeriod       time.Duration
	MaxCatchUp           time.Duration

	// AutoSlotEnable hands choking to the slot manager. When off, each
	// torrent unchokes its best peers itself.
	AutoSlotEnable bool
	NormalSlots    int
	RoundPeriod    time.Duration

	ListenAddr      string
	StatsAddr       string // empty disables the stats feed
	UploadKBps      int    // 0 = unlimited
	Torrents        []TorrentSpec
	PeersPerTorrent int
	Duration        time.Duration // 0 = until interrupted
}

// WatchConfig holds configuration for `peerctl watch`.
type WatchConfig struct {
	URL      string
	LogLevel string
}

// DefaultTorrents is used when no -torrent flag or env value is given.
var DefaultTorrents = []TorrentSpec{
	{Name: "alpha", Blocks: 2048, Priority: 4},
	{Name: "beta", Blocks: 512, Priority: 8},
}

// ParseRunConfig parses `run` flags and PEERCTL_* environment variables.
// Flags take precedence over environment variables.
func ParseRunConfig(args []string) (RunConfig, error) {
	return parseRunConfigWithFlagSet(flag.NewFlagSet("run", flag.ContinueOnError), args)
}

func parseRunConfigWithFlagSet(fs *flag.FlagSet, args []string) (RunConfig, error) {
	cfg := RunConfig{
		LogLevel:             "info",
		PeerID:               uuid.NewString(),
		SchedulerParallelism: 1,
		RequestLimiting:      true,
		WeightedPriorities:   true,
		SchedulePeriod:       100 * time.Millisecond,
		MaxCatchUp:           time.Second,
		NormalSlots:          3,
		RoundPeriod:          10 * time.Second,
		ListenAddr:           "127.0.0.1:0",
		StatsAddr:            "127.0.0.1:7070",
		PeersPerTorrent:      4,
	}

	// Read from environment first
	env := envReader{}
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("PEER_ID", &cfg.PeerID)
	env.integer("SCHEDULER_PARALLELISM", &cfg.SchedulerParallelism)
	env.boolean("USE_PRIORITIES", &cfg.UsePriorities)
	env.boolean("WEIGHTED_PRIORITIES", &cfg.WeightedPriorities)
	env.boolean("REQUEST_LIMITING", &cfg.RequestLimiting)
	env.integer("MAX_DOWNLOAD_KBPS", &cfg.MaxDownloadKBps)
	env.duration("SCHEDULE_PERIOD", &cfg.SchedulePeriod)
	env.duration("MAX_CATCH_UP", &cfg.MaxCatchUp)
	env.boolean("AUTO_SLOT_ENABLE", &cfg.AutoSlotEnable)
	env.integer("NORMAL_SLOTS", &cfg.NormalSlots)
	env.duration("ROUND_PERIOD", &cfg.RoundPeriod)
	env.str("LISTEN_ADDR", &cfg.ListenAddr)
	env.str("STATS_ADDR", &cfg.StatsAddr)
	env.integer("UPLOAD_KBPS", &cfg.UploadKBps)
	env.integer("PEERS_PER_TORRENT", &cfg.PeersPerTorrent)
	env.duration("DURATION", &cfg.Duration)
	var envTorrents []string
	if v := os.Getenv(envPrefix + "TORRENTS"); v != "" {
		envTorrents = strings.Split(v, ",")
	}
	if env.err != nil {
		return cfg, env.err
	}

	// Flags override environment
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "local peer identifier")
	fs.IntVar(&cfg.SchedulerParallelism, "parallelism", cfg.SchedulerParallelism, "scheduler shards (1..8)")
	fs.BoolVar(&cfg.UsePriorities, "use-priorities", cfg.UsePriorities, "use one prioritised scheduler shard")
	fs.BoolVar(&cfg.WeightedPriorities, "weighted-priorities", cfg.WeightedPriorities, "refill tokens once per prioritised pass")
	fs.BoolVar(&cfg.RequestLimiting, "request-limiting", cfg.RequestLimiting, "pace block requests with the token bucket")
	fs.IntVar(&cfg.MaxDownloadKBps, "max-download-kbps", cfg.MaxDownloadKBps, "download rate limit in KiB/s (0 = unlimited)")
	fs.DurationVar(&cfg.SchedulePeriod, "schedule-period", cfg.SchedulePeriod, "scheduler tick period")
	fs.DurationVar(&cfg.MaxCatchUp, "max-catch-up", cfg.MaxCatchUp, "lag after which the prioritised shard skips ahead")
	fs.BoolVar(&cfg.AutoSlotEnable, "auto-slots", cfg.AutoSlotEnable, "let the slot manager choke and unchoke peers")
	fs.IntVar(&cfg.NormalSlots, "normal-slots", cfg.NormalSlots, "normal upload slots besides the optimistic one")
	fs.DurationVar(&cfg.RoundPeriod, "round-period", cfg.RoundPeriod, "slot allocation round period")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "peer link listen address")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "stats feed address (empty to disable)")
	fs.IntVar(&cfg.UploadKBps, "upload-kbps", cfg.UploadKBps, "upload rate limit in KiB/s (0 = unlimited)")
	fs.IntVar(&cfg.PeersPerTorrent, "peers", cfg.PeersPerTorrent, "loopback peers per torrent")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "stop after this long (0 = until interrupted)")

	// Handle repeatable --torrent flag
	torrents := make([]string, 0)
	fs.Var((*stringSlice)(&torrents), "torrent", "torrent as name:blocks[:priority] (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(torrents) == 0 {
		torrents = envTorrents
	}
	if len(torrents) == 0 {
		cfg.Torrents = append([]TorrentSpec(nil), DefaultTorrents...)
	}
	for _, raw := range torrents {
		spec, err := ParseTorrentSpec(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Torrents = append(cfg.Torrents, spec)
	}

	cfg.SchedulerParallelism = clamp(cfg.SchedulerParallelism, 1, 8)
	cfg.NormalSlots = clamp(cfg.NormalSlots, 1, 64)
	cfg.PeersPerTorrent = clamp(cfg.PeersPerTorrent, 1, 64)
	cfg.MaxDownloadKBps = max(cfg.MaxDownloadKBps, 0)
	cfg.UploadKBps = max(cfg.UploadKBps, 0)
	if cfg.SchedulePeriod <= 0 {
		cfg.SchedulePeriod = 100 * time.Millisecond
	}
	if cfg.RoundPeriod <= 0 {
		cfg.RoundPeriod = 10 * time.Second
	}

	return cfg, nil
}

// ParseWatchConfig parses `watch` flags and environment variables.
func ParseWatchConfig(args []string) (WatchConfig, error) {
	return parseWatchConfigWithFlagSet(flag.NewFlagSet("watch", flag.ContinueOnError), args)
}

func parseWatchConfigWithFlagSet(fs *flag.FlagSet, args []string) (WatchConfig, error) {
	cfg := WatchConfig{
		URL:      "ws://127.0.0.1:7070/ws",
		LogLevel: "info",
	}
	env := envReader{}
	env.str("WATCH_URL", &cfg.URL)
	env.str("LOG_LEVEL", &cfg.LogLevel)

	fs.StringVar(&cfg.URL, "url", cfg.URL, "stats feed websocket URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseTorrentSpec parses name:blocks[:priority]. Priority defaults to 4.
func ParseTorrentSpec(raw string) (TorrentSpec, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return TorrentSpec{}, fmt.Errorf("invalid torrent %q: want name:blocks[:priority]", raw)
	}
	blocks, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || blocks < 0 {
		return TorrentSpec{}, fmt.Errorf("invalid torrent %q: bad block count", raw)
	}
	spec := TorrentSpec{Name: parts[0], Blocks: blocks, Priority: 4}
	if len(parts) == 3 {
		p, err := strconv.Atoi(parts[2])
		if err != nil || p < 0 || p > 16 {
			return TorrentSpec{}, fmt.Errorf("invalid torrent %q: priority must be 0..16", raw)
		}
		spec.Priority = p
	}
	return spec, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// envReader reads PEERCTL_* variables, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := os.Getenv(envPrefix + name)
	return v, v != ""
}

func (e *envReader) fail(name, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", envPrefix, name, value, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
