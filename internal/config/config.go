// Package config handles Cycast configuration loading and validation.
//
// Cycast reads a single HCL file (default: config.hcl) with blocks for
// server, buffer, playlist, broadcaster, metadata and advanced settings.
// Missing blocks and attributes fall back to defaults, so a minimal config
// only needs to override the source password.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config represents the complete Cycast server configuration
type Config struct {
	Server      ServerConfig
	Buffer      BufferConfig
	Playlist    PlaylistConfig
	Broadcaster BroadcasterConfig
	Metadata    MetadataConfig
	Advanced    AdvancedConfig
}

// fileConfig is the HCL decode target. Every block is a pointer so a
// config file only has to mention the blocks it overrides.
type fileConfig struct {
	Server      *ServerConfig      `hcl:"server,block"`
	Buffer      *BufferConfig      `hcl:"buffer,block"`
	Playlist    *PlaylistConfig    `hcl:"playlist,block"`
	Broadcaster *BroadcasterConfig `hcl:"broadcaster,block"`
	Metadata    *MetadataConfig    `hcl:"metadata,block"`
	Advanced    *AdvancedConfig    `hcl:"advanced,block"`
}

// ServerConfig contains network-level settings
type ServerConfig struct {
	Host           string `hcl:"host,optional"`
	SourcePort     int    `hcl:"source_port,optional"`
	ListenPort     int    `hcl:"listen_port,optional"`
	SourcePassword string `hcl:"source_password,optional"`
	MountPoint     string `hcl:"mount_point,optional"`
}

// BufferConfig sizes the audio ring buffer
type BufferConfig struct {
	SizeMB int `hcl:"size_mb,optional"`
}

// PlaylistConfig controls the fallback playlist producer
type PlaylistConfig struct {
	Directory  string   `hcl:"directory,optional"`
	Shuffle    *bool    `hcl:"shuffle,optional"`
	Extensions []string `hcl:"extensions,optional"`
}

// BroadcasterConfig tunes the fan-out loop
type BroadcasterConfig struct {
	ChunkSize int `hcl:"chunk_size,optional"`

	// Sleep tiers in seconds, selected by ring fill. Ordering
	// sleep_high <= sleep_medium <= sleep_low is enforced by Validate.
	SleepHigh   float64 `hcl:"sleep_high,optional"`
	SleepMedium float64 `hcl:"sleep_medium,optional"`
	SleepLow    float64 `hcl:"sleep_low,optional"`
}

// MetadataConfig contains station identity and ICY settings
type MetadataConfig struct {
	StationName        string `hcl:"station_name,optional"`
	StationDescription string `hcl:"station_description,optional"`
	StationGenre       string `hcl:"station_genre,optional"`
	StationURL         string `hcl:"station_url,optional"`
	EnableICY          *bool  `hcl:"enable_icy,optional"`
	ICYMetaInt         int    `hcl:"icy_metaint,optional"`
}

// AdvancedConfig contains tuning knobs most deployments leave alone
type AdvancedConfig struct {
	MaxListeners         int     `hcl:"max_listeners,optional"` // 0 = unlimited
	SourceTimeoutSeconds float64 `hcl:"source_timeout,optional"`
	ListenerQueue        int     `hcl:"listener_queue,optional"` // chunks per listener
	VerboseLogging       bool    `hcl:"verbose_logging,optional"`
	EnableStats          *bool   `hcl:"enable_stats,optional"`
}

// Settings is the validated, normalized view the rest of the server
// consumes. Durations are real time.Duration values and optional booleans
// are resolved.
type Settings struct {
	Server      ServerConfig
	BufferBytes int

	PlaylistDirectory  string
	PlaylistShuffle    bool
	PlaylistExtensions []string

	ChunkSize   int
	SleepHigh   time.Duration
	SleepMedium time.Duration
	SleepLow    time.Duration

	StationName        string
	StationDescription string
	StationGenre       string
	StationURL         string
	EnableICY          bool
	ICYMetaInt         int

	MaxListeners   int
	SourceTimeout  time.Duration
	ListenerQueue  int
	VerboseLogging bool
	EnableStats    bool
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	shuffle := true
	icy := true
	stats := true
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			SourcePort:     8000,
			ListenPort:     8001,
			SourcePassword: "hackme",
			MountPoint:     "/stream",
		},
		Buffer: BufferConfig{
			SizeMB: 20,
		},
		Playlist: PlaylistConfig{
			Directory:  "./music",
			Shuffle:    &shuffle,
			Extensions: []string{".mp3", ".ogg"},
		},
		Broadcaster: BroadcasterConfig{
			ChunkSize:   16384,
			SleepHigh:   0.0005,
			SleepMedium: 0.001,
			SleepLow:    0.002,
		},
		Metadata: MetadataConfig{
			StationName:        "Cycast Radio",
			StationDescription: "High-performance internet radio",
			StationGenre:       "Various",
			StationURL:         "http://localhost:8001",
			EnableICY:          &icy,
			ICYMetaInt:         16000,
		},
		Advanced: AdvancedConfig{
			MaxListeners:         0,
			SourceTimeoutSeconds: 10.0,
			ListenerQueue:        32,
			VerboseLogging:       false,
			EnableStats:          &stats,
		},
	}
}

// Load reads an HCL config file, merges it over the defaults and returns
// the validated settings. A missing file is not an error; the defaults
// stand in so the server can come up with the stock layout.
func Load(filename string) (*Settings, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(filename); err == nil {
		parsed := &fileConfig{}
		if err := hclsimple.DecodeFile(filename, nil, parsed); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.merge(parsed)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return cfg.Normalize()
}

// merge overlays values set in the parsed file onto the defaults.
// HCL optional attributes decode to zero values when absent, so zero
// means "not set" for every field here; booleans use pointers to
// distinguish false from absent.
func (c *Config) merge(other *fileConfig) {
	if s := other.Server; s != nil {
		if s.Host != "" {
			c.Server.Host = s.Host
		}
		if s.SourcePort != 0 {
			c.Server.SourcePort = s.SourcePort
		}
		if s.ListenPort != 0 {
			c.Server.ListenPort = s.ListenPort
		}
		if s.SourcePassword != "" {
			c.Server.SourcePassword = s.SourcePassword
		}
		if s.MountPoint != "" {
			c.Server.MountPoint = s.MountPoint
		}
	}

	if b := other.Buffer; b != nil && b.SizeMB != 0 {
		c.Buffer.SizeMB = b.SizeMB
	}

	if p := other.Playlist; p != nil {
		if p.Directory != "" {
			c.Playlist.Directory = p.Directory
		}
		if p.Shuffle != nil {
			c.Playlist.Shuffle = p.Shuffle
		}
		if len(p.Extensions) > 0 {
			c.Playlist.Extensions = p.Extensions
		}
	}

	if b := other.Broadcaster; b != nil {
		if b.ChunkSize != 0 {
			c.Broadcaster.ChunkSize = b.ChunkSize
		}
		if b.SleepHigh != 0 {
			c.Broadcaster.SleepHigh = b.SleepHigh
		}
		if b.SleepMedium != 0 {
			c.Broadcaster.SleepMedium = b.SleepMedium
		}
		if b.SleepLow != 0 {
			c.Broadcaster.SleepLow = b.SleepLow
		}
	}

	if m := other.Metadata; m != nil {
		if m.StationName != "" {
			c.Metadata.StationName = m.StationName
		}
		if m.StationDescription != "" {
			c.Metadata.StationDescription = m.StationDescription
		}
		if m.StationGenre != "" {
			c.Metadata.StationGenre = m.StationGenre
		}
		if m.StationURL != "" {
			c.Metadata.StationURL = m.StationURL
		}
		if m.EnableICY != nil {
			c.Metadata.EnableICY = m.EnableICY
		}
		if m.ICYMetaInt != 0 {
			c.Metadata.ICYMetaInt = m.ICYMetaInt
		}
	}

	if a := other.Advanced; a != nil {
		if a.MaxListeners != 0 {
			c.Advanced.MaxListeners = a.MaxListeners
		}
		if a.SourceTimeoutSeconds != 0 {
			c.Advanced.SourceTimeoutSeconds = a.SourceTimeoutSeconds
		}
		if a.ListenerQueue != 0 {
			c.Advanced.ListenerQueue = a.ListenerQueue
		}
		if a.VerboseLogging {
			c.Advanced.VerboseLogging = true
		}
		if a.EnableStats != nil {
			c.Advanced.EnableStats = a.EnableStats
		}
	}
}

// Normalize validates the merged config and produces the typed settings
func (c *Config) Normalize() (*Settings, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &Settings{
		Server:      c.Server,
		BufferBytes: c.Buffer.SizeMB * 1024 * 1024,

		PlaylistDirectory:  c.Playlist.Directory,
		PlaylistShuffle:    c.Playlist.Shuffle != nil && *c.Playlist.Shuffle,
		PlaylistExtensions: c.Playlist.Extensions,

		ChunkSize:   c.Broadcaster.ChunkSize,
		SleepHigh:   secondsToDuration(c.Broadcaster.SleepHigh),
		SleepMedium: secondsToDuration(c.Broadcaster.SleepMedium),
		SleepLow:    secondsToDuration(c.Broadcaster.SleepLow),

		StationName:        c.Metadata.StationName,
		StationDescription: c.Metadata.StationDescription,
		StationGenre:       c.Metadata.StationGenre,
		StationURL:         c.Metadata.StationURL,
		EnableICY:          c.Metadata.EnableICY != nil && *c.Metadata.EnableICY,
		ICYMetaInt:         c.Metadata.ICYMetaInt,

		MaxListeners:   c.Advanced.MaxListeners,
		SourceTimeout:  secondsToDuration(c.Advanced.SourceTimeoutSeconds),
		ListenerQueue:  c.Advanced.ListenerQueue,
		VerboseLogging: c.Advanced.VerboseLogging,
		EnableStats:    c.Advanced.EnableStats != nil && *c.Advanced.EnableStats,
	}, nil
}

// Validate checks the configuration for fatal errors.
// A missing playlist directory is intentionally not checked here; the
// playlist producer stays idle when there is nothing to play.
func (c *Config) Validate() error {
	if c.Server.SourcePassword == "" {
		return fmt.Errorf("server.source_password is required")
	}

	if c.Server.SourcePort < 1 || c.Server.SourcePort > 65535 {
		return fmt.Errorf("invalid source_port: %d", c.Server.SourcePort)
	}
	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.Server.ListenPort)
	}
	if c.Server.SourcePort == c.Server.ListenPort {
		return fmt.Errorf("source_port and listen_port must be different")
	}

	if c.Server.MountPoint == "" || c.Server.MountPoint[0] != '/' {
		return fmt.Errorf("mount_point must start with '/', got %q", c.Server.MountPoint)
	}

	if c.Buffer.SizeMB < 1 || c.Buffer.SizeMB > 1000 {
		return fmt.Errorf("buffer.size_mb must be between 1 and 1000, got %d", c.Buffer.SizeMB)
	}

	if c.Broadcaster.ChunkSize < 1024 || c.Broadcaster.ChunkSize > 65536 {
		return fmt.Errorf("broadcaster.chunk_size must be between 1024 and 65536, got %d", c.Broadcaster.ChunkSize)
	}

	if c.Broadcaster.SleepHigh <= 0 || c.Broadcaster.SleepMedium <= 0 || c.Broadcaster.SleepLow <= 0 {
		return fmt.Errorf("broadcaster sleep tiers must be positive")
	}
	if c.Broadcaster.SleepHigh > c.Broadcaster.SleepMedium || c.Broadcaster.SleepMedium > c.Broadcaster.SleepLow {
		return fmt.Errorf("broadcaster sleep tiers must satisfy sleep_high <= sleep_medium <= sleep_low")
	}

	if c.Metadata.ICYMetaInt <= 0 {
		return fmt.Errorf("metadata.icy_metaint must be positive, got %d", c.Metadata.ICYMetaInt)
	}

	if c.Advanced.MaxListeners < 0 {
		return fmt.Errorf("advanced.max_listeners must be >= 0, got %d", c.Advanced.MaxListeners)
	}
	if c.Advanced.SourceTimeoutSeconds <= 0 {
		return fmt.Errorf("advanced.source_timeout must be positive")
	}
	if c.Advanced.ListenerQueue < 1 {
		return fmt.Errorf("advanced.listener_queue must be >= 1, got %d", c.Advanced.ListenerQueue)
	}

	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
