package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the playback supervisor.
// It covers the HTTP surface, catalog import, the media engine and the health
// supervisor's per-profile tunables.
type Config struct {
	ListenAddr            string           `json:"listenAddr"`            // HTTP listen address for the control API
	Debug                 bool             `json:"debug"`                 // Enable debug logging
	LogLevel              string           `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls         bool             `json:"obfuscateUrls"`         // Obfuscate URLs in logs
	WorkerThreads         int              `json:"workerThreads"`         // Size of the shared worker pool
	DatabasePath          string           `json:"databasePath"`          // SQLite catalog + fix history file
	CacheDuration         time.Duration    `json:"cacheDuration"`         // Playlist body cache lifetime
	ImportRefreshInterval time.Duration    `json:"importRefreshInterval"` // Interval between catalog imports
	FetchRateLimit        int              `json:"fetchRateLimit"`        // Playlist fetches per second
	UserAgent             string           `json:"userAgent"`             // HTTP User-Agent for playlist fetches
	ReqOrigin             string           `json:"reqOrigin"`             // HTTP Origin header for playlist fetches
	ReqReferrer           string           `json:"reqReferrer"`           // HTTP Referer header for playlist fetches
	FFmpegPath            string           `json:"ffmpegPath"`            // ffmpeg binary used by the default engine
	FFmpegPreInput        []string         `json:"ffmpegPreInput"`        // ffmpeg arguments before -i
	NetworkProbeTarget    string           `json:"networkProbeTarget"`    // host:port dialed to detect connectivity, empty disables
	NetworkProbeInterval  time.Duration    `json:"networkProbeInterval"`  // interval between connectivity probes
	Supervisor            SupervisorConfig `json:"supervisor"`
	Sources               []SourceConfig   `json:"sources"`
}

// SupervisorConfig holds the health supervisor's shared timing contract.
type SupervisorConfig struct {
	OpenTimeout        time.Duration `json:"openTimeout"`        // ceiling for Opening before the endpoint is abandoned
	WarmUp             time.Duration `json:"warmUp"`             // continuous playing needed to call a session stable
	BufferingProlonged time.Duration `json:"bufferingProlonged"` // buffering episode length that counts as prolonged
	ChurnStableAfter   time.Duration `json:"churnStableAfter"`   // stability required before track churn is acted on
	ReconnectDelay     time.Duration `json:"reconnectDelay"`     // pause between stop and reopen
	ReconnectTimeout   time.Duration `json:"reconnectTimeout"`   // ceiling for a hard reconnect
	ResyncSettle       time.Duration `json:"resyncSettle"`       // wait after resetting the audio delay
	ResyncPause        time.Duration `json:"resyncPause"`        // pause length of the resync kick
	NetworkSettle      time.Duration `json:"networkSettle"`      // wait after connectivity returns before reconnecting
	HardErrorLimit     int           `json:"hardErrorLimit"`     // consecutive hard errors before the engine is recreated
	MusicPattern       string        `json:"musicPattern"`       // category-name regex selecting the music profile
	Music              ProfileConfig `json:"music"`
	Generic            ProfileConfig `json:"generic"`
}

// ProfileConfig holds the monitor and recovery parameters of one channel profile.
type ProfileConfig struct {
	Cooldown             time.Duration `json:"cooldown"`
	PositionInitialDelay time.Duration `json:"positionInitialDelay"`
	PositionInterval     time.Duration `json:"positionInterval"`
	ReadTimeout          time.Duration `json:"readTimeout"`
	FrozenThreshold      int           `json:"frozenThreshold"`
	JumpBack             time.Duration `json:"jumpBack"`
	JumpAhead            time.Duration `json:"jumpAhead"`
	HoldOff              time.Duration `json:"holdOff"`
	FrozenKick           time.Duration `json:"frozenKick"`
	JumpKick             time.Duration `json:"jumpKick"`
	ProlongedKick        time.Duration `json:"prolongedKick"`
	ChurnKick            time.Duration `json:"churnKick"`
	BufferingKick        time.Duration `json:"bufferingKick"` // 0 disables the preventive buffering kick
	BufferingHold        time.Duration `json:"bufferingHold"`
	SyncEnabled          bool          `json:"syncEnabled"`
	SyncInitialDelay     time.Duration `json:"syncInitialDelay"`
	SyncInterval         time.Duration `json:"syncInterval"`
	DesyncLimit          time.Duration `json:"desyncLimit"`
	DesyncThreshold      int           `json:"desyncThreshold"`
	SyncFrozenThreshold  int           `json:"syncFrozenThreshold"`
}

// SourceConfig represents a single catalog source: an M3U list, an HLS playlist or
// an Xtream Codes panel.
type SourceConfig struct {
	Name         string `json:"name"`                   // Descriptive name, also the category for HLS sources
	URL          string `json:"url"`                    // Playlist URL
	Order        int    `json:"order"`                  // Priority; earlier sources own categories and primary endpoints
	IncludeRegex string `json:"includeRegex,omitempty"` // Keep only channels whose name matches
	ExcludeRegex string `json:"excludeRegex,omitempty"` // Drop channels whose name matches
	Variant      string `json:"variant,omitempty"`      // HLS master sources: highest, lowest, medium or 720p; empty lists every variant
	Username     string `json:"username,omitempty"`     // Xtream Codes account; with Password the URL is the panel base
	Password     string `json:"password,omitempty"`
}

// ConfigFile represents the JSON file structure. Durations are strings ("1500ms", "12h")
// parsed into time.Duration by convertFromFile; empty strings fall back to defaults.
type ConfigFile struct {
	ListenAddr            string               `json:"listenAddr"`
	Debug                 bool                 `json:"debug"`
	LogLevel              string               `json:"logLevel"`
	ObfuscateUrls         bool                 `json:"obfuscateUrls"`
	WorkerThreads         int                  `json:"workerThreads"`
	DatabasePath          string               `json:"databasePath"`
	CacheDuration         string               `json:"cacheDuration"`
	ImportRefreshInterval string               `json:"importRefreshInterval"`
	FetchRateLimit        int                  `json:"fetchRateLimit"`
	UserAgent             string               `json:"userAgent"`
	ReqOrigin             string               `json:"reqOrigin"`
	ReqReferrer           string               `json:"reqReferrer"`
	FFmpegPath            string               `json:"ffmpegPath"`
	FFmpegPreInput        []string             `json:"ffmpegPreInput"`
	NetworkProbeTarget    string               `json:"networkProbeTarget"`
	NetworkProbeInterval  string               `json:"networkProbeInterval"`
	Supervisor            SupervisorConfigFile `json:"supervisor"`
	Sources               []SourceConfig       `json:"sources"`
}

// SupervisorConfigFile is the on-disk form of SupervisorConfig.
type SupervisorConfigFile struct {
	OpenTimeout        string            `json:"openTimeout"`
	WarmUp             string            `json:"warmUp"`
	BufferingProlonged string            `json:"bufferingProlonged"`
	ChurnStableAfter   string            `json:"churnStableAfter"`
	ReconnectDelay     string            `json:"reconnectDelay"`
	ReconnectTimeout   string            `json:"reconnectTimeout"`
	ResyncSettle       string            `json:"resyncSettle"`
	ResyncPause        string            `json:"resyncPause"`
	NetworkSettle      string            `json:"networkSettle"`
	HardErrorLimit     int               `json:"hardErrorLimit"`
	MusicPattern       string            `json:"musicPattern"`
	Music              ProfileConfigFile `json:"music"`
	Generic            ProfileConfigFile `json:"generic"`
}

// ProfileConfigFile is the on-disk form of ProfileConfig.
type ProfileConfigFile struct {
	Cooldown             string `json:"cooldown"`
	PositionInitialDelay string `json:"positionInitialDelay"`
	PositionInterval     string `json:"positionInterval"`
	ReadTimeout          string `json:"readTimeout"`
	FrozenThreshold      int    `json:"frozenThreshold"`
	JumpBack             string `json:"jumpBack"`
	JumpAhead            string `json:"jumpAhead"`
	HoldOff              string `json:"holdOff"`
	FrozenKick           string `json:"frozenKick"`
	JumpKick             string `json:"jumpKick"`
	ProlongedKick        string `json:"prolongedKick"`
	ChurnKick            string `json:"churnKick"`
	BufferingKick        string `json:"bufferingKick"`
	BufferingHold        string `json:"bufferingHold"`
	SyncEnabled          *bool  `json:"syncEnabled,omitempty"`
	SyncInitialDelay     string `json:"syncInitialDelay"`
	SyncInterval         string `json:"syncInterval"`
	DesyncLimit          string `json:"desyncLimit"`
	DesyncThreshold      int    `json:"desyncThreshold"`
	SyncFrozenThreshold  int    `json:"syncFrozenThreshold"`
}

// DefaultConfigPath is read when KPTV_PLAYER_CONFIG is unset.
const DefaultConfigPath = "/settings/config.json"

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads $KPTV_PLAYER_CONFIG, or `/settings/config.json` when unset.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation so every tunable has a usable value.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := Path()

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Sources: %d configured", len(config.Sources))
		for i := range config.Sources {
			src := &config.Sources[i]
			log.Printf("    Source %d (%s): %s (order: %d)", i+1, src.Name, obfuscateURL(src.URL), src.Order)
		}
		log.Printf("  Music cooldown: %s, generic cooldown: %s", config.Supervisor.Music.Cooldown, config.Supervisor.Generic.Cooldown)
		log.Printf("  Open timeout: %s, warm-up: %s", config.Supervisor.OpenTimeout, config.Supervisor.WarmUp)
	}

	return config
}

// Path returns the config file location: $KPTV_PLAYER_CONFIG or DefaultConfigPath.
func Path() string {
	if p := os.Getenv("KPTV_PLAYER_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Default returns a validated default configuration without touching the cache.
func Default() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// durationField ties an on-disk duration string to its typed destination.
type durationField struct {
	name string
	src  string
	dst  *time.Duration
}

// parseDurations parses every non-empty field; empty strings leave the destination zero.
func parseDurations(fields []durationField) error {
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:         cf.ListenAddr,
		Debug:              cf.Debug,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		WorkerThreads:      cf.WorkerThreads,
		DatabasePath:       cf.DatabasePath,
		FetchRateLimit:     cf.FetchRateLimit,
		UserAgent:          cf.UserAgent,
		ReqOrigin:          cf.ReqOrigin,
		ReqReferrer:        cf.ReqReferrer,
		FFmpegPath:         cf.FFmpegPath,
		FFmpegPreInput:     cf.FFmpegPreInput,
		NetworkProbeTarget: cf.NetworkProbeTarget,
		Sources:            cf.Sources,
	}

	sv := &config.Supervisor
	sf := &cf.Supervisor
	sv.HardErrorLimit = sf.HardErrorLimit
	sv.MusicPattern = sf.MusicPattern

	err := parseDurations([]durationField{
		{"cacheDuration", cf.CacheDuration, &config.CacheDuration},
		{"importRefreshInterval", cf.ImportRefreshInterval, &config.ImportRefreshInterval},
		{"networkProbeInterval", cf.NetworkProbeInterval, &config.NetworkProbeInterval},
		{"supervisor.openTimeout", sf.OpenTimeout, &sv.OpenTimeout},
		{"supervisor.warmUp", sf.WarmUp, &sv.WarmUp},
		{"supervisor.bufferingProlonged", sf.BufferingProlonged, &sv.BufferingProlonged},
		{"supervisor.churnStableAfter", sf.ChurnStableAfter, &sv.ChurnStableAfter},
		{"supervisor.reconnectDelay", sf.ReconnectDelay, &sv.ReconnectDelay},
		{"supervisor.reconnectTimeout", sf.ReconnectTimeout, &sv.ReconnectTimeout},
		{"supervisor.resyncSettle", sf.ResyncSettle, &sv.ResyncSettle},
		{"supervisor.resyncPause", sf.ResyncPause, &sv.ResyncPause},
		{"supervisor.networkSettle", sf.NetworkSettle, &sv.NetworkSettle},
	})
	if err != nil {
		return nil, err
	}

	if sv.Music, err = convertProfile("music", &sf.Music); err != nil {
		return nil, err
	}
	if sv.Generic, err = convertProfile("generic", &sf.Generic); err != nil {
		return nil, err
	}

	return config, nil
}

// convertProfile converts one ProfileConfigFile. A nil SyncEnabled keeps the profile default
// (on for generic, off for music).
func convertProfile(name string, pf *ProfileConfigFile) (ProfileConfig, error) {
	pc := ProfileConfig{
		FrozenThreshold:     pf.FrozenThreshold,
		DesyncThreshold:     pf.DesyncThreshold,
		SyncFrozenThreshold: pf.SyncFrozenThreshold,
		SyncEnabled:         name == "generic",
	}
	if pf.SyncEnabled != nil {
		pc.SyncEnabled = *pf.SyncEnabled
	}

	err := parseDurations([]durationField{
		{name + ".cooldown", pf.Cooldown, &pc.Cooldown},
		{name + ".positionInitialDelay", pf.PositionInitialDelay, &pc.PositionInitialDelay},
		{name + ".positionInterval", pf.PositionInterval, &pc.PositionInterval},
		{name + ".readTimeout", pf.ReadTimeout, &pc.ReadTimeout},
		{name + ".jumpBack", pf.JumpBack, &pc.JumpBack},
		{name + ".jumpAhead", pf.JumpAhead, &pc.JumpAhead},
		{name + ".holdOff", pf.HoldOff, &pc.HoldOff},
		{name + ".frozenKick", pf.FrozenKick, &pc.FrozenKick},
		{name + ".jumpKick", pf.JumpKick, &pc.JumpKick},
		{name + ".prolongedKick", pf.ProlongedKick, &pc.ProlongedKick},
		{name + ".churnKick", pf.ChurnKick, &pc.ChurnKick},
		{name + ".bufferingKick", pf.BufferingKick, &pc.BufferingKick},
		{name + ".bufferingHold", pf.BufferingHold, &pc.BufferingHold},
		{name + ".syncInitialDelay", pf.SyncInitialDelay, &pc.SyncInitialDelay},
		{name + ".syncInterval", pf.SyncInterval, &pc.SyncInterval},
		{name + ".desyncLimit", pf.DesyncLimit, &pc.DesyncLimit},
	})
	if err != nil {
		return ProfileConfig{}, err
	}

	// an explicit "0s" disables the buffering kick, so remember it was set
	if pf.BufferingKick != "" && pc.BufferingKick == 0 {
		pc.BufferingKick = -1
	}
	return pc, nil
}

// getDefaultConfig returns the baseline configuration used when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		LogLevel:              "INFO",
		WorkerThreads:         8,
		DatabasePath:          "/settings/kptv-player.db",
		CacheDuration:         30 * time.Minute,
		ImportRefreshInterval: 12 * time.Hour,
		FetchRateLimit:        2,
		UserAgent:             "VLC/3.0.18 LibVLC/3.0.18",
		FFmpegPath:            "ffmpeg",
		NetworkProbeInterval:  5 * time.Second,
		Supervisor: SupervisorConfig{
			Music:   ProfileConfig{},
			Generic: ProfileConfig{SyncEnabled: true},
		},
		Sources: []SourceConfig{},
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in defaults
// for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/kptv-player.db"
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Minute
	}
	if config.ImportRefreshInterval <= 0 {
		config.ImportRefreshInterval = 12 * time.Hour
	}
	if config.FetchRateLimit <= 0 {
		config.FetchRateLimit = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.NetworkProbeInterval <= 0 {
		config.NetworkProbeInterval = 5 * time.Second
	}

	sv := &config.Supervisor
	setDuration(&sv.OpenTimeout, 15*time.Second)
	setDuration(&sv.WarmUp, 2*time.Second)
	setDuration(&sv.BufferingProlonged, 3*time.Second)
	setDuration(&sv.ChurnStableAfter, 10*time.Second)
	setDuration(&sv.ReconnectDelay, 500*time.Millisecond)
	setDuration(&sv.ReconnectTimeout, 5*time.Second)
	setDuration(&sv.ResyncSettle, 500*time.Millisecond)
	setDuration(&sv.ResyncPause, 600*time.Millisecond)
	setDuration(&sv.NetworkSettle, time.Second)
	if sv.HardErrorLimit <= 0 {
		sv.HardErrorLimit = 3
	}
	if sv.MusicPattern == "" {
		sv.MusicPattern = `(?i)m[uú]sica|music`
	}

	validateProfile(&sv.Music, ProfileConfig{
		Cooldown:             8 * time.Second,
		PositionInitialDelay: 3 * time.Second,
		PositionInterval:     time.Second,
		ReadTimeout:          800 * time.Millisecond,
		FrozenThreshold:      2,
		JumpBack:             3 * time.Second,
		JumpAhead:            30 * time.Second,
		HoldOff:              3 * time.Second,
		FrozenKick:           1500 * time.Millisecond,
		JumpKick:             1500 * time.Millisecond,
		ProlongedKick:        1200 * time.Millisecond,
		ChurnKick:            time.Second,
		BufferingKick:        800 * time.Millisecond,
		BufferingHold:        time.Second,
	})
	validateProfile(&sv.Generic, ProfileConfig{
		Cooldown:             5 * time.Second,
		PositionInitialDelay: 5 * time.Second,
		PositionInterval:     3 * time.Second,
		ReadTimeout:          time.Second,
		FrozenThreshold:      3,
		JumpBack:             5 * time.Second,
		JumpAhead:            60 * time.Second,
		HoldOff:              3 * time.Second,
		FrozenKick:           time.Second,
		JumpKick:             1500 * time.Millisecond,
		ProlongedKick:        1200 * time.Millisecond,
		ChurnKick:            time.Second,
		BufferingHold:        time.Second,
		SyncInitialDelay:     5 * time.Second,
		SyncInterval:         3 * time.Second,
		DesyncLimit:          200 * time.Millisecond,
		DesyncThreshold:      2,
		SyncFrozenThreshold:  2,
	})

	for i := range config.Sources {
		src := &config.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.Order <= 0 {
			src.Order = i + 1
		}
	}
}

// validateProfile fills every unset field of pc from def. A negative BufferingKick
// is the explicit "disabled" marker and becomes zero.
func validateProfile(pc *ProfileConfig, def ProfileConfig) {
	setDuration(&pc.Cooldown, def.Cooldown)
	setDuration(&pc.PositionInitialDelay, def.PositionInitialDelay)
	setDuration(&pc.PositionInterval, def.PositionInterval)
	setDuration(&pc.ReadTimeout, def.ReadTimeout)
	setDuration(&pc.JumpBack, def.JumpBack)
	setDuration(&pc.JumpAhead, def.JumpAhead)
	setDuration(&pc.HoldOff, def.HoldOff)
	setDuration(&pc.FrozenKick, def.FrozenKick)
	setDuration(&pc.JumpKick, def.JumpKick)
	setDuration(&pc.ProlongedKick, def.ProlongedKick)
	setDuration(&pc.ChurnKick, def.ChurnKick)
	setDuration(&pc.BufferingHold, def.BufferingHold)
	setDuration(&pc.SyncInitialDelay, def.SyncInitialDelay)
	setDuration(&pc.SyncInterval, def.SyncInterval)
	setDuration(&pc.DesyncLimit, def.DesyncLimit)

	switch {
	case pc.BufferingKick < 0:
		pc.BufferingKick = 0
	case pc.BufferingKick == 0:
		pc.BufferingKick = def.BufferingKick
	}

	if pc.FrozenThreshold <= 0 {
		pc.FrozenThreshold = def.FrozenThreshold
	}
	if pc.DesyncThreshold <= 0 {
		pc.DesyncThreshold = def.DesyncThreshold
	}
	if pc.SyncFrozenThreshold <= 0 {
		pc.SyncFrozenThreshold = def.SyncFrozenThreshold
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:            ":8080",
		LogLevel:              "INFO",
		ObfuscateUrls:         true,
		WorkerThreads:         8,
		DatabasePath:          "/settings/kptv-player.db",
		CacheDuration:         "30m",
		ImportRefreshInterval: "12h",
		FetchRateLimit:        2,
		UserAgent:             "VLC/3.0.18 LibVLC/3.0.18",
		FFmpegPath:            "ffmpeg",
		NetworkProbeTarget:    "1.1.1.1:53",
		NetworkProbeInterval:  "5s",
		Supervisor: SupervisorConfigFile{
			OpenTimeout:        "15s",
			WarmUp:             "2s",
			BufferingProlonged: "3s",
			HardErrorLimit:     3,
			Music:              ProfileConfigFile{Cooldown: "8s", PositionInterval: "1s", ReadTimeout: "800ms", FrozenThreshold: 2},
			Generic:            ProfileConfigFile{Cooldown: "5s", PositionInterval: "3s", ReadTimeout: "1s", FrozenThreshold: 3},
		},
		Sources: []SourceConfig{
			{Name: "Primary IPTV Source", URL: "http://example.com/playlist1.m3u", Order: 1},
			{Name: "Backup IPTV Source", URL: "http://example.com/playlist2.m3u", Order: 2, ExcludeRegex: "(?i)adult"},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil, forcing a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// Profile returns the tunables of the music or generic profile.
func (s *SupervisorConfig) Profile(music bool) ProfileConfig {
	if music {
		return s.Music
	}
	return s.Generic
}

// GetSourcesByOrder returns a copy of sources sorted by their Order field.
func (c *Config) GetSourcesByOrder() []SourceConfig {
	sources := make([]SourceConfig, len(c.Sources))
	copy(sources, c.Sources)

	// insertion sort keeps equal orders in file order
	for i := 1; i < len(sources); i++ {
		for j := i; j > 0 && sources[j-1].Order > sources[j].Order; j-- {
			sources[j-1], sources[j] = sources[j], sources[j-1]
		}
	}
	return sources
}

// obfuscateURL masks sensitive parts of a URL for logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
