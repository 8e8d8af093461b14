package config

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/pulsereader/internal/fmq"
	"github.com/banshee-data/pulsereader/internal/fsutil"
	"github.com/banshee-data/pulsereader/internal/monitoring"
	"github.com/banshee-data/pulsereader/internal/pulse"
	"github.com/banshee-data/pulsereader/internal/reader"
	"github.com/banshee-data/pulsereader/internal/serialport"
	"github.com/banshee-data/pulsereader/internal/stats"
	"github.com/banshee-data/pulsereader/internal/transport"
)

// Source modes.
const (
	ModeFile   = "file"
	ModeDir    = "dir"
	ModeFMQ    = "fmq"
	ModeTCP    = "tcp"
	ModeSerial = "serial"
)

// ReaderConfig is the on-disk configuration of a pulse reader. Every field
// is optional; the Get* methods supply defaults for missing ones, so
// partial configs are safe.
type ReaderConfig struct {
	// Source
	Mode     *string  `json:"mode,omitempty"`
	Files    []string `json:"files,omitempty"`
	Dir      *string  `json:"dir,omitempty"`
	PcapPort *int     `json:"pcap_port,omitempty"`

	FMQPath     *string `json:"fmq_path,omitempty"`
	FMQStart    *string `json:"fmq_start,omitempty"` // "beginning" or "end"
	FMQNumSlots *int    `json:"fmq_num_slots,omitempty"`

	Host *string `json:"host,omitempty"`
	Port *int    `json:"port,omitempty"`

	SerialDevice *string                 `json:"serial_device,omitempty"`
	Serial       *serialport.PortOptions `json:"serial,omitempty"`

	// Waiting
	Blocking          *bool   `json:"blocking,omitempty"`
	Timeout           *string `json:"timeout,omitempty"` // duration string like "1s"
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
	PollInterval      *string `json:"poll_interval,omitempty"`
	ReconnectDelay    *string `json:"reconnect_delay,omitempty"`

	// Filtering and framing
	RadarID       *int  `json:"radar_id,omitempty"`
	AcceptSwapped *bool `json:"accept_swapped,omitempty"`

	// Pulse assembly
	GeorefTolerance       *string `json:"georef_tolerance,omitempty"`
	PreferSecondaryGeoref *bool   `json:"prefer_secondary_georef,omitempty"`
	ConvertToFloat        *bool   `json:"convert_to_float,omitempty"`
	CopyPulseWidth        *bool   `json:"copy_pulse_width,omitempty"`
	ClearInfoOnFileChange *bool   `json:"clear_info_on_file_change,omitempty"`
	MaxStaleRun           *int    `json:"max_stale_run,omitempty"`

	StatsInterval *string `json:"stats_interval,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }
func ptrInt(v int) *int          { return &v }

// maxConfigSize bounds the config file size.
const maxConfigSize = 1 * 1024 * 1024 // 1MB

// LoadReaderConfig loads a ReaderConfig from a JSON file. The file must
// have a .json extension and be under 1MB.
func LoadReaderConfig(path string) (*ReaderConfig, error) {
	return LoadReaderConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadReaderConfigFS is LoadReaderConfig reading through fsys.
func LoadReaderConfigFS(fsys fsutil.FileSystem, path string) (*ReaderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ReaderConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON. Unset fields are
// omitted so defaults keep tracking the code.
func (c *ReaderConfig) Save(fsys fsutil.FileSystem, path string) error {
	if ext := filepath.Ext(path); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := fsys.WriteFile(filepath.Clean(path), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *ReaderConfig) Validate() error {
	switch mode := c.GetMode(); mode {
	case ModeFile:
		if len(c.Files) == 0 {
			return fmt.Errorf("mode %q needs files", mode)
		}
	case ModeDir:
		if c.GetDir() == "" {
			return fmt.Errorf("mode %q needs dir", mode)
		}
	case ModeFMQ:
		if c.GetFMQPath() == "" {
			return fmt.Errorf("mode %q needs fmq_path", mode)
		}
	case ModeTCP:
		if c.GetHost() == "" {
			return fmt.Errorf("mode %q needs host", mode)
		}
	case ModeSerial:
		if c.GetSerialDevice() == "" {
			return fmt.Errorf("mode %q needs serial_device", mode)
		}
		if _, err := c.GetSerial().Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if c.FMQStart != nil {
		if _, err := parseStart(*c.FMQStart); err != nil {
			return err
		}
	}
	if c.FMQNumSlots != nil && *c.FMQNumSlots <= 0 {
		return fmt.Errorf("fmq_num_slots must be positive, got %d", *c.FMQNumSlots)
	}
	if c.Port != nil && (*c.Port <= 0 || *c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", *c.Port)
	}
	if c.PcapPort != nil && (*c.PcapPort <= 0 || *c.PcapPort > 65535) {
		return fmt.Errorf("pcap_port must be between 1 and 65535, got %d", *c.PcapPort)
	}
	if c.RadarID != nil && (*c.RadarID < 0 || *c.RadarID > math.MaxInt32) {
		return fmt.Errorf("radar_id must be between 0 and %d, got %d", math.MaxInt32, *c.RadarID)
	}

	for name, v := range map[string]*string{
		"timeout":            c.Timeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"poll_interval":      c.PollInterval,
		"reconnect_delay":    c.ReconnectDelay,
		"georef_tolerance":   c.GeorefTolerance,
		"stats_interval":     c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

func parseStart(s string) (fmq.StartPosition, error) {
	switch s {
	case "", "beginning":
		return fmq.StartAtBeginning, nil
	case "end":
		return fmq.StartAtEnd, nil
	}
	return 0, fmt.Errorf("fmq_start must be \"beginning\" or \"end\", got %q", s)
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMode returns the source mode, defaulting to file.
func (c *ReaderConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return ModeFile
	}
	return *c.Mode
}

func (c *ReaderConfig) GetDir() string {
	if c.Dir == nil {
		return ""
	}
	return *c.Dir
}

func (c *ReaderConfig) GetPcapPort() int {
	if c.PcapPort == nil {
		return transport.DefaultDigitizerPort
	}
	return *c.PcapPort
}

func (c *ReaderConfig) GetFMQPath() string {
	if c.FMQPath == nil {
		return ""
	}
	return *c.FMQPath
}

// GetFMQStart returns where a new queue reader starts. Invalid values fall
// back to the beginning.
func (c *ReaderConfig) GetFMQStart() fmq.StartPosition {
	if c.FMQStart == nil {
		return fmq.StartAtBeginning
	}
	s, err := parseStart(*c.FMQStart)
	if err != nil {
		return fmq.StartAtBeginning
	}
	return s
}

func (c *ReaderConfig) GetFMQNumSlots() int {
	if c.FMQNumSlots == nil {
		return fmq.DefaultNumSlots
	}
	return *c.FMQNumSlots
}

func (c *ReaderConfig) GetHost() string {
	if c.Host == nil {
		return ""
	}
	return *c.Host
}

// GetPort returns the digitizer TCP port, defaulting to 12000.
func (c *ReaderConfig) GetPort() int {
	if c.Port == nil {
		return transport.DefaultDigitizerPort
	}
	return *c.Port
}

func (c *ReaderConfig) GetSerialDevice() string {
	if c.SerialDevice == nil {
		return ""
	}
	return *c.SerialDevice
}

func (c *ReaderConfig) GetSerial() serialport.PortOptions {
	if c.Serial == nil {
		return serialport.PortOptions{}
	}
	return *c.Serial
}

// GetBlocking returns the blocking flag. Readers block by default.
func (c *ReaderConfig) GetBlocking() bool {
	if c.Blocking == nil {
		return true
	}
	return *c.Blocking
}

func (c *ReaderConfig) GetTimeout() time.Duration {
	return duration(c.Timeout, transport.DefaultTimeout)
}

func (c *ReaderConfig) GetHeartbeatInterval() time.Duration {
	return duration(c.HeartbeatInterval, transport.DefaultHeartbeatInterval)
}

func (c *ReaderConfig) GetPollInterval() time.Duration {
	return duration(c.PollInterval, transport.DefaultPollInterval)
}

func (c *ReaderConfig) GetReconnectDelay() time.Duration {
	return duration(c.ReconnectDelay, transport.DefaultReconnectDelay)
}

func (c *ReaderConfig) GetRadarID() int {
	if c.RadarID == nil {
		return 0
	}
	return *c.RadarID
}

func (c *ReaderConfig) GetAcceptSwapped() bool {
	if c.AcceptSwapped == nil {
		return false
	}
	return *c.AcceptSwapped
}

func (c *ReaderConfig) GetGeorefTolerance() time.Duration {
	return duration(c.GeorefTolerance, pulse.DefaultGeorefTolerance)
}

func (c *ReaderConfig) GetPreferSecondaryGeoref() bool {
	if c.PreferSecondaryGeoref == nil {
		return false
	}
	return *c.PreferSecondaryGeoref
}

func (c *ReaderConfig) GetConvertToFloat() bool {
	if c.ConvertToFloat == nil {
		return false
	}
	return *c.ConvertToFloat
}

func (c *ReaderConfig) GetCopyPulseWidth() bool {
	if c.CopyPulseWidth == nil {
		return false
	}
	return *c.CopyPulseWidth
}

func (c *ReaderConfig) GetClearInfoOnFileChange() bool {
	if c.ClearInfoOnFileChange == nil {
		return false
	}
	return *c.ClearInfoOnFileChange
}

// GetMaxStaleRun returns the stale run after which a lower pulse sequence
// is accepted as a radar restart. Zero keeps dropping stale pulses.
func (c *ReaderConfig) GetMaxStaleRun() int {
	if c.MaxStaleRun == nil {
		return 0
	}
	return *c.MaxStaleRun
}

// GetStatsInterval returns how often statistics are logged. Zero disables
// periodic logging.
func (c *ReaderConfig) GetStatsInterval() time.Duration {
	return duration(c.StatsInterval, time.Minute)
}

// TransportOptions returns the options shared by every backend.
func (c *ReaderConfig) TransportOptions(sink stats.Sink, hb monitoring.Heartbeat) transport.Options {
	return transport.Options{
		RadarID:           int32(c.GetRadarID()),
		Blocking:          c.GetBlocking(),
		Timeout:           c.GetTimeout(),
		Heartbeat:         hb,
		HeartbeatInterval: c.GetHeartbeatInterval(),
		PollInterval:      c.GetPollInterval(),
		AcceptSwapped:     c.GetAcceptSwapped(),
		Stats:             sink,
	}
}

// ReaderOptions returns the pulse reader options.
func (c *ReaderConfig) ReaderOptions(sink stats.Sink) reader.Options {
	return reader.Options{
		Pulse: pulse.Options{
			GeorefTolerance: c.GetGeorefTolerance(),
			PreferSecondary: c.GetPreferSecondaryGeoref(),
			ConvertToFloat:  c.GetConvertToFloat(),
			CopyPulseWidth:  c.GetCopyPulseWidth(),
		},
		ClearInfoOnFileChange: c.GetClearInfoOnFileChange(),
		MaxStaleRun:           c.GetMaxStaleRun(),
		Stats:                 sink,
	}
}

// OpenBackend builds the transport backend the mode selects.
func (c *ReaderConfig) OpenBackend(sink stats.Sink, hb monitoring.Heartbeat) (transport.Backend, error) {
	opts := c.TransportOptions(sink, hb)
	switch mode := c.GetMode(); mode {
	case ModeFile, ModeDir:
		fo := transport.FileOptions{Options: opts, PcapPort: c.GetPcapPort()}
		if mode == ModeFile {
			fo.Files = c.Files
		} else {
			fo.Dir = c.GetDir()
		}
		return transport.NewFileBackend(fo)
	case ModeFMQ:
		return transport.NewQueueBackend(transport.QueueOptions{
			Options:  opts,
			Path:     c.GetFMQPath(),
			Start:    c.GetFMQStart(),
			NumSlots: c.GetFMQNumSlots(),
		})
	case ModeTCP:
		addr := net.JoinHostPort(c.GetHost(), strconv.Itoa(c.GetPort()))
		return transport.NewTCPBackend(addr, transport.StreamOptions{
			Options:        opts,
			ReconnectDelay: c.GetReconnectDelay(),
		})
	case ModeSerial:
		return transport.NewSerialBackend(c.GetSerialDevice(), c.GetSerial(), transport.StreamOptions{
			Options:        opts,
			ReconnectDelay: c.GetReconnectDelay(),
		})
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}
