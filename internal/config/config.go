// Package config loads controller settings from defaults, a YAML file,
// THERMO_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sweeney/thermo-controller/internal/gpio"
	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/sensor"
)

// EnvPrefix prefixes every environment override, e.g. THERMO_CONTROL_INTERVAL.
const EnvPrefix = "THERMO"

// DefaultConfigDir is searched for config.yaml when --config is not given.
const DefaultConfigDir = "/etc/thermo-controller"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Hub     HubConfig     `mapstructure:"hub"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Control ControlConfig `mapstructure:"control"`
	GPIO    GPIOConfig    `mapstructure:"gpio"`
	Sensor  SensorConfig  `mapstructure:"sensor"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Influx  InfluxConfig  `mapstructure:"influx"`

	// PrintSample reads one sample, prints it and exits.
	PrintSample bool `mapstructure:"-"`
	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// HubConfig describes the device identity and connection tuning.
// Credentials come from ConnectionStrings first, then from Host, DeviceID
// and each of Keys in order.
type HubConfig struct {
	ConnectionStrings    []string      `mapstructure:"connection_strings"`
	Host                 string        `mapstructure:"host"`
	DeviceID             string        `mapstructure:"device_id"`
	Keys                 []string      `mapstructure:"keys"`
	Transport            string        `mapstructure:"transport"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout     time.Duration `mapstructure:"operation_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	SASTTL               time.Duration `mapstructure:"sas_ttl"`
}

type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type ControlConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	FanPin             int           `mapstructure:"fan_pin"`
	DefaultSetpoint    int           `mapstructure:"default_setpoint"`
	AlertThreshold     float64       `mapstructure:"alert_threshold"`
	InitialReadTimeout time.Duration `mapstructure:"initial_read_timeout"`
	ReceiveC2D         bool          `mapstructure:"receive_c2d"`
}

type GPIOConfig struct {
	Chip      string `mapstructure:"chip"`
	ActiveLow bool   `mapstructure:"active_low"`
}

type SensorConfig struct {
	IIODevice   string        `mapstructure:"iio_device"`
	CPUThermal  string        `mapstructure:"cpu_thermal"`
	SeaLevelHPa float64       `mapstructure:"sea_level_hpa"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.connection_strings", []string{})
	v.SetDefault("hub.host", "")
	v.SetDefault("hub.device_id", "")
	v.SetDefault("hub.keys", []string{})
	v.SetDefault("hub.transport", hub.TransportMQTT)
	v.SetDefault("hub.connect_timeout", 30*time.Second)
	v.SetDefault("hub.operation_timeout", 30*time.Second)
	v.SetDefault("hub.max_reconnect_attempts", 10)
	v.SetDefault("hub.sas_ttl", time.Hour)

	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("control.interval", 24*time.Second)
	v.SetDefault("control.fan_pin", gpio.PinFan)
	v.SetDefault("control.default_setpoint", 21)
	v.SetDefault("control.alert_threshold", logic.DefaultAlertThreshold)
	v.SetDefault("control.initial_read_timeout", time.Minute)
	v.SetDefault("control.receive_c2d", false)

	v.SetDefault("gpio.chip", "gpiochip0")
	v.SetDefault("gpio.active_low", true)

	v.SetDefault("sensor.iio_device", "/sys/bus/iio/devices/iio:device0")
	v.SetDefault("sensor.cpu_thermal", "/sys/class/thermal/thermal_zone0/temp")
	v.SetDefault("sensor.sea_level_hpa", sensor.MeanSeaLevelHPa)
	v.SetDefault("sensor.retry_delay", 100*time.Millisecond)

	v.SetDefault("http.addr", ":80")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://127.0.0.1:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "thermo")
}

// flagKeys maps each command-line flag to the config key it overrides.
var flagKeys = map[string]string{
	"connection-string": "hub.connection_strings",
	"transport":         "hub.transport",
	"interval":          "control.interval",
	"fan-pin":           "control.fan_pin",
	"setpoint":          "control.default_setpoint",
	"receive-c2d":       "control.receive_c2d",
	"http":              "http.addr",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("thermo-controller", pflag.ContinueOnError)
	fs.String("config", "", "Path to config file (default "+DefaultConfigDir+"/config.yaml)")
	fs.StringSlice("connection-string", nil, "Device connection string, repeat for fallbacks")
	fs.String("transport", hub.TransportMQTT, "Hub transport: mqtt or mqtt-ws")
	fs.Duration("interval", 24*time.Second, "Control cycle interval")
	fs.Int("fan-pin", gpio.PinFan, "BCM pin number of the fan relay")
	fs.Int("setpoint", 21, "Setpoint used when the hub has none")
	fs.Bool("receive-c2d", false, "Poll cloud-to-device messages")
	fs.String("http", ":80", "HTTP status address (empty to disable)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "auto", "Log format: auto, console or json")
	fs.Bool("print-sample", false, "Print one sensor sample and exit")
	return fs
}

// Load parses args and builds the configuration.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.PrintSample, _ = fs.GetBool("print-sample")
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and that at least one credential is configured.
func (c *Config) Validate() error {
	var errs []error
	if c.Control.Interval <= 0 {
		errs = append(errs, fmt.Errorf("control.interval must be positive, got %s", c.Control.Interval))
	}
	if c.Control.FanPin < 0 || c.Control.FanPin > 27 {
		errs = append(errs, fmt.Errorf("control.fan_pin must be a BCM pin 0-27, got %d", c.Control.FanPin))
	}
	if c.Control.InitialReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("control.initial_read_timeout must be positive"))
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Hub.Transport != hub.TransportMQTT && c.Hub.Transport != hub.TransportWebSocket {
		errs = append(errs, fmt.Errorf("hub.transport must be %q or %q, got %q", hub.TransportMQTT, hub.TransportWebSocket, c.Hub.Transport))
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, console or json, got %q", c.Log.Format))
	}
	if c.Influx.Enabled && c.Influx.URL == "" {
		errs = append(errs, fmt.Errorf("influx.url is required when influx is enabled"))
	}
	if !c.PrintSample {
		if _, err := c.Credentials(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Credentials returns the ordered credential chain.
func (c *Config) Credentials() ([]hub.Credential, error) {
	var creds []hub.Credential
	for i, s := range c.Hub.ConnectionStrings {
		cred, err := hub.ParseConnectionString(s)
		if err != nil {
			return nil, fmt.Errorf("hub.connection_strings[%d]: %w", i, err)
		}
		creds = append(creds, cred)
	}
	if len(c.Hub.Keys) > 0 && (c.Hub.Host == "" || c.Hub.DeviceID == "") {
		return nil, fmt.Errorf("hub.keys needs hub.host and hub.device_id")
	}
	for i, key := range c.Hub.Keys {
		cred, err := hub.NewCredential(c.Hub.Host, c.Hub.DeviceID, key)
		if err != nil {
			return nil, fmt.Errorf("hub.keys[%d]: %w", i, err)
		}
		creds = append(creds, cred)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no hub credentials: set hub.connection_strings or hub.keys")
	}
	return creds, nil
}

// DeviceID returns the device id of the first credential.
func (c *Config) DeviceID() string {
	creds, err := c.Credentials()
	if err != nil {
		return c.Hub.DeviceID
	}
	return creds[0].DeviceID
}
