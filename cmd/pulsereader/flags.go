package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/banshee-data/pulsereader/internal/config"
	"github.com/banshee-data/pulsereader/internal/pulse"
	"github.com/banshee-data/pulsereader/internal/serialport"
	"github.com/banshee-data/pulsereader/internal/transport"
)

// cliFlags are the command line options. Source and reader options only
// override the -config file when given explicitly.
type cliFlags struct {
	configPath string

	mode      string
	dir       string
	pcapPort  int
	fmqPath   string
	fmqStart  string
	host      string
	port      int
	serialDev string
	baud      int
	parity    string

	radarID         int
	blocking        bool
	timeout         time.Duration
	reconnectDelay  time.Duration
	acceptSwapped   bool
	georefTolerance time.Duration
	preferSecondary bool
	convertToFloat  bool
	copyPulseWidth  bool
	clearInfo       bool
	statsInterval   time.Duration

	listen    string
	plotPath  string
	maxPulses int
	quiet     bool
	seekEnd   bool

	saveConfig  string
	showVersion bool
}

func newFlags(fs *flag.FlagSet) *cliFlags {
	c := &cliFlags{}
	fs.StringVar(&c.configPath, "config", "", "JSON reader configuration; explicit flags override it")

	fs.StringVar(&c.mode, "mode", config.ModeFile, "source: file, dir, fmq, tcp or serial")
	fs.StringVar(&c.dir, "dir", "", "directory to follow in dir mode")
	fs.IntVar(&c.pcapPort, "pcap-port", transport.DefaultDigitizerPort, "digitizer TCP port to extract from .pcap files")
	fs.StringVar(&c.fmqPath, "fmq", "", "pulse queue path in fmq mode")
	fs.StringVar(&c.fmqStart, "fmq-start", "beginning", "where to start reading the queue: beginning or end")
	fs.StringVar(&c.host, "host", "", "digitizer host in tcp mode")
	fs.IntVar(&c.port, "port", transport.DefaultDigitizerPort, "digitizer port in tcp mode")
	fs.StringVar(&c.serialDev, "serial", "", "serial device in serial mode")
	fs.IntVar(&c.baud, "baud", serialport.DefaultBaudRate, "serial baud rate")
	fs.StringVar(&c.parity, "parity", "N", "serial parity: N, E or O")

	fs.IntVar(&c.radarID, "radar-id", 0, "only read envelopes from this radar (0 reads all)")
	fs.BoolVar(&c.blocking, "blocking", true, "wait indefinitely for data")
	fs.DurationVar(&c.timeout, "timeout", transport.DefaultTimeout, "non-blocking wait timeout")
	fs.DurationVar(&c.reconnectDelay, "reconnect-delay", transport.DefaultReconnectDelay, "delay between tcp or serial reconnects")
	fs.BoolVar(&c.acceptSwapped, "accept-swapped", false, "accept byte-swapped headers in file and fmq modes")
	fs.DurationVar(&c.georefTolerance, "georef-tolerance", pulse.DefaultGeorefTolerance, "largest pulse to georef time difference")
	fs.BoolVar(&c.preferSecondary, "prefer-secondary-georef", false, "prefer the secondary georef source")
	fs.BoolVar(&c.convertToFloat, "float", false, "convert samples to float32")
	fs.BoolVar(&c.copyPulseWidth, "copy-pulse-width", false, "take the pulse width from the processing info")
	fs.BoolVar(&c.clearInfo, "clear-info-on-file-change", false, "forget ops info at every new file")
	fs.DurationVar(&c.statsInterval, "stats-interval", time.Minute, "how often to log statistics (0 disables)")

	fs.StringVar(&c.listen, "listen", "", "address serving /metrics and /debug/ (disabled when empty)")
	fs.StringVar(&c.plotPath, "plot", "", "write a PNG power plot of the last pulse to this path")
	fs.IntVar(&c.maxPulses, "n", 0, "stop after this many pulses (0 means no limit)")
	fs.BoolVar(&c.quiet, "quiet", false, "do not print pulses")
	fs.BoolVar(&c.seekEnd, "seek-end", false, "skip data already available before reading")
	fs.StringVar(&c.saveConfig, "save-config", "", "write the effective configuration to this .json path and exit")
	fs.BoolVar(&c.showVersion, "version", false, "print the version and exit")
	return c
}

// config builds the reader configuration from the -config file, then the
// explicitly set flags, then the positional file arguments.
func (c *cliFlags) config(fs *flag.FlagSet) (*config.ReaderConfig, error) {
	cfg := &config.ReaderConfig{}
	if c.configPath != "" {
		loaded, err := config.LoadReaderConfig(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	dur := func(d time.Duration) *string { s := d.String(); return &s }
	serial := func() *serialport.PortOptions {
		if cfg.Serial == nil {
			cfg.Serial = &serialport.PortOptions{}
		}
		return cfg.Serial
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = &c.mode
		case "dir":
			cfg.Dir = &c.dir
		case "pcap-port":
			cfg.PcapPort = &c.pcapPort
		case "fmq":
			cfg.FMQPath = &c.fmqPath
		case "fmq-start":
			cfg.FMQStart = &c.fmqStart
		case "host":
			cfg.Host = &c.host
		case "port":
			cfg.Port = &c.port
		case "serial":
			cfg.SerialDevice = &c.serialDev
		case "baud":
			serial().BaudRate = c.baud
		case "parity":
			serial().Parity = c.parity
		case "radar-id":
			cfg.RadarID = &c.radarID
		case "blocking":
			cfg.Blocking = &c.blocking
		case "timeout":
			cfg.Timeout = dur(c.timeout)
		case "reconnect-delay":
			cfg.ReconnectDelay = dur(c.reconnectDelay)
		case "accept-swapped":
			cfg.AcceptSwapped = &c.acceptSwapped
		case "georef-tolerance":
			cfg.GeorefTolerance = dur(c.georefTolerance)
		case "prefer-secondary-georef":
			cfg.PreferSecondaryGeoref = &c.preferSecondary
		case "float":
			cfg.ConvertToFloat = &c.convertToFloat
		case "copy-pulse-width":
			cfg.CopyPulseWidth = &c.copyPulseWidth
		case "clear-info-on-file-change":
			cfg.ClearInfoOnFileChange = &c.clearInfo
		case "stats-interval":
			cfg.StatsInterval = dur(c.statsInterval)
		}
	})
	if args := fs.Args(); len(args) > 0 {
		cfg.Files = args
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
