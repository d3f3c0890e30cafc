package config

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EncryptionMode controls how hard the handshake pushes for an
// encrypted connection.
type EncryptionMode int

const (
	EncryptionTolerated EncryptionMode = iota
	EncryptionPreferred
	EncryptionRequired
)

// Settings holds the session-wide knobs the peer manager consumes.
// Per-torrent values (peer limit, privacy) live on the torrent itself.
type Settings struct {
	PeerLimitGlobal       int `yaml:"peer_limit_global"`
	PeerLimitPerTorrent   int `yaml:"peer_limit_per_torrent"`
	UploadSlotsPerTorrent int `yaml:"upload_slots_per_torrent"`

	Encryption EncryptionMode `yaml:"encryption"`

	AllowsTCP bool `yaml:"allows_tcp"`
	AllowsUTP bool `yaml:"allows_utp"`
	AllowsDHT bool `yaml:"allows_dht"`
	AllowsPEX bool `yaml:"allows_pex"`

	// Bytes per second; 0 with the matching *Limited flag set means
	// that direction is shut off entirely.
	SpeedLimitUp     int64 `yaml:"speed_limit_up"`
	SpeedLimitDown   int64 `yaml:"speed_limit_down"`
	SpeedLimitedUp   bool  `yaml:"speed_limited_up"`
	SpeedLimitedDown bool  `yaml:"speed_limited_down"`

	QueueEnabledUp   bool `yaml:"queue_enabled_up"`
	QueueEnabledDown bool `yaml:"queue_enabled_down"`
	QueueSizeUp      int  `yaml:"queue_size_up"`
	QueueSizeDown    int  `yaml:"queue_size_down"`

	SeedRatioLimit   float64 `yaml:"seed_ratio_limit"`
	SeedRatioLimited bool    `yaml:"seed_ratio_limited"`
}

// Default returns the settings used when no file overrides them.
func Default() *Settings {
	return &Settings{
		PeerLimitGlobal:       200,
		PeerLimitPerTorrent:   50,
		UploadSlotsPerTorrent: 8,
		Encryption:            EncryptionPreferred,
		AllowsTCP:             true,
		AllowsUTP:             true,
		AllowsDHT:             true,
		AllowsPEX:             true,
		QueueEnabledDown:      true,
		QueueSizeDown:         5,
		QueueSizeUp:           5,
	}
}

// Load reads a yaml settings file, filling unset fields from Default.
func Load(fs afero.Fs, path string) (*Settings, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}
