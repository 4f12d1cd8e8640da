// Package config loads and validates the controller configuration from
// defaults, an optional YAML file and SOILGUARD_* environment variables.
// Validation is fail-fast: a broken configuration refuses boot instead of
// watering with nonsense thresholds.
package config

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tbertani/soilguard/internal/watchdog"
)

// Config holds all configuration for the controller.
type Config struct {
	Device   DeviceConfig
	MQTT     MQTTConfig
	Sensors  SensorsConfig
	Valves   ValvesConfig
	Control  ControlConfig
	Offline  OfflineConfig
	Hardware HardwareConfig
	Store    StoreConfig
	HTTP     HTTPConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// DeviceConfig identifies this controller to the fleet.
type DeviceConfig struct {
	Name     string
	Location string
	Crop     string
	MAC      string // empty: taken from the first usable network interface
}

// MQTTConfig holds broker connection parameters.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string // empty: derived from the device name
}

// SensorsConfig holds acquisition parameters. The raw calibration values
// here are defaults for probes that have no persisted calibration yet.
type SensorsConfig struct {
	SoilCount            int
	ReadTimeout          time.Duration
	MaxConsecutiveErrors int
	AmbientRetries       int
	RawDry               int
	RawWet               int
	RawMin               int
	RawMax               int
	SoilRawPathTemplate  string
	AmbientTempPath      string
	AmbientHumidityPath  string
}

// ValvesConfig maps valve IDs to GPIO pins. Index 0 is valve0.
type ValvesConfig struct {
	Pins    []int
	Primary int
}

// ControlConfig holds the decision thresholds and time budgets.
type ControlConfig struct {
	StartBelow  float32
	StopAbove   float32
	DangerAbove float32

	TempWarn     float32
	TempCritical float32

	MaxSession         time.Duration
	MinInterval        time.Duration
	MaxDaily           time.Duration
	DefaultDuration    time.Duration
	RemoteOverrideIdle time.Duration

	OnlineTick   time.Duration
	StartupTicks int
}

// OfflineConfig holds the offline severity ladder: level floors, the
// escalation hysteresis and the per-level evaluation cadence.
type OfflineConfig struct {
	NormalFloor   float32
	WarningFloor  float32
	CriticalFloor float32
	Hysteresis    float32

	NormalEvery    time.Duration
	WarningEvery   time.Duration
	CriticalEvery  time.Duration
	EmergencyEvery time.Duration
}

// HardwareConfig selects real or simulated drivers.
type HardwareConfig struct {
	Simulate bool
}

// StoreConfig locates the on-device state database.
type StoreConfig struct {
	Path string
}

// HTTPConfig holds the local status server address.
type HTTPConfig struct {
	Addr string
}

// WebhookConfig holds the fleet notification endpoint.
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if err = godotenv.Load(".env"); err != nil {
			log.Println("config: no .env file loaded")
		}
	}

	v := viper.New()
	v.SetConfigName("soilguard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/soilguard")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("SOILGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.BindEnv("mqtt.host", "SOILGUARD_MQTT_HOST")
	v.BindEnv("mqtt.username", "SOILGUARD_MQTT_USERNAME")
	v.BindEnv("mqtt.password", "SOILGUARD_MQTT_PASSWORD")
	v.BindEnv("webhook.url", "SOILGUARD_WEBHOOK_URL")
	v.BindEnv("device.mac", "SOILGUARD_DEVICE_MAC")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.name", "soilguard")
	v.SetDefault("device.location", "unset")
	v.SetDefault("device.crop", "generic")
	v.SetDefault("device.mac", "")

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")

	v.SetDefault("sensors.soil_count", 3)
	v.SetDefault("sensors.read_timeout", "2s")
	v.SetDefault("sensors.max_consecutive_errors", 5)
	v.SetDefault("sensors.ambient_retries", 2)
	v.SetDefault("sensors.raw_dry", 3200)
	v.SetDefault("sensors.raw_wet", 1200)
	v.SetDefault("sensors.raw_min", 800)
	v.SetDefault("sensors.raw_max", 3600)
	v.SetDefault("sensors.soil_raw_path_template", "/sys/bus/iio/devices/iio:device0/in_voltage%d_raw")
	v.SetDefault("sensors.ambient_temp_path", "/sys/bus/iio/devices/iio:device1/in_temp_input")
	v.SetDefault("sensors.ambient_humidity_path", "/sys/bus/iio/devices/iio:device1/in_humidityrelative_input")

	v.SetDefault("valves.pins", []int{17, 27})
	v.SetDefault("valves.primary", 0)

	v.SetDefault("control.start_below", 35.0)
	v.SetDefault("control.stop_above", 50.0)
	v.SetDefault("control.danger_above", 80.0)
	v.SetDefault("control.temp_warn", 35.0)
	v.SetDefault("control.temp_critical", 40.0)
	v.SetDefault("control.max_session", "90m")
	v.SetDefault("control.min_interval", "20m")
	v.SetDefault("control.max_daily", "3h")
	v.SetDefault("control.default_duration", "15m")
	v.SetDefault("control.remote_override_idle", "30m")
	v.SetDefault("control.online_tick", "60s")
	v.SetDefault("control.startup_ticks", 5)

	v.SetDefault("offline.normal_floor", 45.0)
	v.SetDefault("offline.warning_floor", 40.0)
	v.SetDefault("offline.critical_floor", 30.0)
	v.SetDefault("offline.hysteresis", 2.0)
	v.SetDefault("offline.normal_every", "2h")
	v.SetDefault("offline.warning_every", "1h")
	v.SetDefault("offline.critical_every", "30m")
	v.SetDefault("offline.emergency_every", "15m")

	v.SetDefault("hardware.simulate", false)

	v.SetDefault("store.path", "/var/lib/soilguard/state.db")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Device: DeviceConfig{
			Name:     v.GetString("device.name"),
			Location: v.GetString("device.location"),
			Crop:     v.GetString("device.crop"),
			MAC:      v.GetString("device.mac"),
		},
		MQTT: MQTTConfig{
			Host:     v.GetString("mqtt.host"),
			Port:     v.GetInt("mqtt.port"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
			ClientID: v.GetString("mqtt.client_id"),
		},
		Sensors: SensorsConfig{
			SoilCount:            v.GetInt("sensors.soil_count"),
			ReadTimeout:          v.GetDuration("sensors.read_timeout"),
			MaxConsecutiveErrors: v.GetInt("sensors.max_consecutive_errors"),
			AmbientRetries:       v.GetInt("sensors.ambient_retries"),
			RawDry:               v.GetInt("sensors.raw_dry"),
			RawWet:               v.GetInt("sensors.raw_wet"),
			RawMin:               v.GetInt("sensors.raw_min"),
			RawMax:               v.GetInt("sensors.raw_max"),
			SoilRawPathTemplate:  v.GetString("sensors.soil_raw_path_template"),
			AmbientTempPath:      v.GetString("sensors.ambient_temp_path"),
			AmbientHumidityPath:  v.GetString("sensors.ambient_humidity_path"),
		},
		Valves: ValvesConfig{
			Pins:    v.GetIntSlice("valves.pins"),
			Primary: v.GetInt("valves.primary"),
		},
		Control: ControlConfig{
			StartBelow:         float32(v.GetFloat64("control.start_below")),
			StopAbove:          float32(v.GetFloat64("control.stop_above")),
			DangerAbove:        float32(v.GetFloat64("control.danger_above")),
			TempWarn:           float32(v.GetFloat64("control.temp_warn")),
			TempCritical:       float32(v.GetFloat64("control.temp_critical")),
			MaxSession:         v.GetDuration("control.max_session"),
			MinInterval:        v.GetDuration("control.min_interval"),
			MaxDaily:           v.GetDuration("control.max_daily"),
			DefaultDuration:    v.GetDuration("control.default_duration"),
			RemoteOverrideIdle: v.GetDuration("control.remote_override_idle"),
			OnlineTick:         v.GetDuration("control.online_tick"),
			StartupTicks:       v.GetInt("control.startup_ticks"),
		},
		Offline: OfflineConfig{
			NormalFloor:    float32(v.GetFloat64("offline.normal_floor")),
			WarningFloor:   float32(v.GetFloat64("offline.warning_floor")),
			CriticalFloor:  float32(v.GetFloat64("offline.critical_floor")),
			Hysteresis:     float32(v.GetFloat64("offline.hysteresis")),
			NormalEvery:    v.GetDuration("offline.normal_every"),
			WarningEvery:   v.GetDuration("offline.warning_every"),
			CriticalEvery:  v.GetDuration("offline.critical_every"),
			EmergencyEvery: v.GetDuration("offline.emergency_every"),
		},
		Hardware: HardwareConfig{
			Simulate: v.GetBool("hardware.simulate"),
		},
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("http.addr"),
		},
		Webhook: WebhookConfig{
			URL:        v.GetString("webhook.url"),
			Timeout:    v.GetDuration("webhook.timeout"),
			MaxRetries: v.GetInt("webhook.max_retries"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}
}

// finish clamps values against the hard safety ceilings and validates.
// Configuration may tighten the built-in limits, never widen them.
func (c *Config) finish() error {
	if c.Control.TempCritical > watchdog.TemperatureCriticalC {
		log.Printf("config: temp_critical %.1f exceeds hard limit %.1f, clamping",
			c.Control.TempCritical, watchdog.TemperatureCriticalC)
		c.Control.TempCritical = watchdog.TemperatureCriticalC
	}
	if c.Control.MaxSession > watchdog.SessionMax {
		log.Printf("config: max_session %s exceeds hard limit %s, clamping",
			c.Control.MaxSession, watchdog.SessionMax)
		c.Control.MaxSession = watchdog.SessionMax
	}
	if c.Control.RemoteOverrideIdle > watchdog.RemoteOverrideIdleMax {
		log.Printf("config: remote_override_idle %s exceeds hard limit %s, clamping",
			c.Control.RemoteOverrideIdle, watchdog.RemoteOverrideIdleMax)
		c.Control.RemoteOverrideIdle = watchdog.RemoteOverrideIdleMax
	}

	if c.Device.MAC == "" {
		mac, err := detectMAC()
		if err != nil {
			if !c.Hardware.Simulate {
				return fmt.Errorf("detect device MAC: %w", err)
			}
			mac = "02:00:00:00:00:01"
			log.Printf("config: no usable interface, using simulated MAC %s", mac)
		}
		c.Device.MAC = mac
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Device.Name + "-" + strings.ReplaceAll(c.Device.MAC, ":", "")
	}

	return c.Validate()
}

// Validate checks structural constraints. It is exported so tests and
// tooling can check hand-built configurations.
func (c *Config) Validate() error {
	if c.Sensors.SoilCount < 1 || c.Sensors.SoilCount > 3 {
		return fmt.Errorf("sensors.soil_count must be 1..3, got %d", c.Sensors.SoilCount)
	}
	if c.Sensors.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("sensors.max_consecutive_errors must be >= 1, got %d", c.Sensors.MaxConsecutiveErrors)
	}
	if c.Sensors.RawDry == c.Sensors.RawWet {
		return fmt.Errorf("sensors.raw_dry and raw_wet must differ")
	}
	if c.Sensors.RawMin >= c.Sensors.RawMax {
		return fmt.Errorf("sensors.raw_min must be < raw_max")
	}

	if n := len(c.Valves.Pins); n < 1 || n > 2 {
		return fmt.Errorf("valves.pins must name 1 or 2 pins, got %d", n)
	}
	if c.Valves.Primary < 0 || c.Valves.Primary >= len(c.Valves.Pins) {
		return fmt.Errorf("valves.primary %d out of range", c.Valves.Primary)
	}

	ctl := c.Control
	if !(ctl.StartBelow < ctl.StopAbove && ctl.StopAbove <= ctl.DangerAbove) {
		return fmt.Errorf("moisture thresholds must satisfy start_below < stop_above <= danger_above (got %.1f/%.1f/%.1f)",
			ctl.StartBelow, ctl.StopAbove, ctl.DangerAbove)
	}
	if ctl.DangerAbove > 100 {
		return fmt.Errorf("control.danger_above must be <= 100, got %.1f", ctl.DangerAbove)
	}
	if ctl.TempWarn >= ctl.TempCritical {
		return fmt.Errorf("control.temp_warn %.1f must be below temp_critical %.1f", ctl.TempWarn, ctl.TempCritical)
	}
	if ctl.MaxSession < time.Minute {
		return fmt.Errorf("control.max_session must be >= 1m, got %s", ctl.MaxSession)
	}
	if ctl.DefaultDuration < time.Minute || ctl.DefaultDuration > ctl.MaxSession {
		return fmt.Errorf("control.default_duration must be within [1m, max_session], got %s", ctl.DefaultDuration)
	}
	if ctl.MinInterval < 0 || ctl.MaxDaily <= 0 {
		return fmt.Errorf("control.min_interval and max_daily must be positive")
	}
	if ctl.RemoteOverrideIdle < time.Minute {
		return fmt.Errorf("control.remote_override_idle must be >= 1m, got %s", ctl.RemoteOverrideIdle)
	}
	if ctl.OnlineTick < time.Second {
		return fmt.Errorf("control.online_tick must be >= 1s, got %s", ctl.OnlineTick)
	}
	if ctl.StartupTicks < 1 {
		return fmt.Errorf("control.startup_ticks must be >= 1, got %d", ctl.StartupTicks)
	}

	off := c.Offline
	if !(off.CriticalFloor < off.WarningFloor && off.WarningFloor < off.NormalFloor) {
		return fmt.Errorf("offline floors must satisfy critical < warning < normal (got %.1f/%.1f/%.1f)",
			off.CriticalFloor, off.WarningFloor, off.NormalFloor)
	}
	if off.Hysteresis < 0 {
		return fmt.Errorf("offline.hysteresis must be >= 0, got %.1f", off.Hysteresis)
	}
	for _, d := range []time.Duration{off.NormalEvery, off.WarningEvery, off.CriticalEvery, off.EmergencyEvery} {
		if d < time.Minute {
			return fmt.Errorf("offline cadences must be >= 1m")
		}
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}

// detectMAC returns the hardware address of the first non-loopback
// interface that has one.
func detectMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("no interface with a hardware address")
}
