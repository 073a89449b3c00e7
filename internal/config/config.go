// Package config загружает настройки агента из переменных окружения OBD_*,
// .env и необязательного YAML файла.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/reugn/go-quartz/quartz"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/serebryakov7/obd-stats/internal/transport"
	"github.com/serebryakov7/obd-stats/pkg/mqtt"
)

// EnvPrefix - префикс переменных окружения: link.port => OBD_LINK_PORT.
const EnvPrefix = "obd"

type Config struct {
	LogLevel zapcore.Level `mapstructure:"-"`
	Link     LinkConfig    `mapstructure:"link"`
	Adapter  AdapterConfig `mapstructure:"adapter"`
	Vehicle  VehicleConfig `mapstructure:"vehicle"`
	Storage  StorageConfig `mapstructure:"storage"`
	Mongo    MongoConfig   `mapstructure:"mongo"`
	MQTT     MQTTConfig    `mapstructure:"mqtt"`
	Agent    AgentConfig   `mapstructure:"agent"`
	HTTP     HTTPConfig    `mapstructure:"http"`
}

type LinkConfig struct {
	Type        string
	Port        string
	Baud        int
	Address     string
	Channel     uint8
	ServiceUUID string        `mapstructure:"service_uuid"`
	TXUUID      string        `mapstructure:"tx_uuid"`
	RXUUID      string        `mapstructure:"rx_uuid"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

type AdapterConfig struct {
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	InitDelay       time.Duration `mapstructure:"init_delay"`
}

// VehicleConfig - идентификация автомобиля; VIN используется, если 0902 не прочитан.
type VehicleConfig struct {
	VIN   string
	Make  string
	Model string
	Year  int
}

type StorageConfig struct {
	Path string
}

// MongoConfig - архив снимков. Пустой URI отключает архив.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type MQTTConfig struct {
	Enabled        bool
	Broker         string
	ClientID       string `mapstructure:"client_id"`
	Username       string
	Password       string
	Topic          string
	DTCTopic       string        `mapstructure:"dtc_topic"`
	CommandTopic   string        `mapstructure:"command_topic"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

// AgentConfig - расписание сканирования. Schedule (cron, с секундами)
// имеет приоритет над ScanInterval.
type AgentConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Schedule     string
}

type HTTPConfig struct {
	Enabled bool
	Port    uint
	Log     bool
}

// New создаёт viper с переменными окружения и значениями по умолчанию.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("link.type", string(transport.LinkSerial))
	v.SetDefault("link.port", "/dev/rfcomm0")
	v.SetDefault("link.baud", 38400)
	v.SetDefault("link.address", "")
	v.SetDefault("link.channel", 1)
	v.SetDefault("link.service_uuid", transport.DefaultBLEService)
	v.SetDefault("link.tx_uuid", transport.DefaultBLETX)
	v.SetDefault("link.rx_uuid", transport.DefaultBLERX)
	v.SetDefault("link.read_timeout", 100*time.Millisecond)
	v.SetDefault("link.scan_timeout", 10*time.Second)

	v.SetDefault("adapter.command_timeout", 5*time.Second)
	v.SetDefault("adapter.connect_attempts", 3)
	v.SetDefault("adapter.retry_delay", time.Second)
	v.SetDefault("adapter.init_delay", 100*time.Millisecond)

	v.SetDefault("vehicle.vin", "DEMO123456789")
	v.SetDefault("vehicle.make", "Mazda")
	v.SetDefault("vehicle.model", "CX-30")
	v.SetDefault("vehicle.year", 2024)

	v.SetDefault("storage.path", "obd.db")

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "obd")
	v.SetDefault("mongo.collection", "diagnostics")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", mqtt.DefaultBroker)
	v.SetDefault("mqtt.client_id", mqtt.DefaultClientID)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", mqtt.DefaultTopic)
	v.SetDefault("mqtt.dtc_topic", mqtt.DefaultDTCTopic)
	v.SetDefault("mqtt.command_topic", mqtt.DefaultCommandTopic)
	v.SetDefault("mqtt.update_interval", mqtt.DefaultUpdateInterval)

	v.SetDefault("agent.scan_interval", time.Minute)
	v.SetDefault("agent.schedule", "")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.log", false)
}

// Load читает конфигурацию. Файл берётся из file или CONFIG_FILE; если
// файл указан явно, ошибка его чтения возвращается.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}

	level, err := zapcore.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("некорректный log_level: %w", err)
	}
	cfg.LogLevel = level

	cfg.Link.Type = strings.ToLower(strings.TrimSpace(cfg.Link.Type))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения и возвращает все найденные ошибки сразу.
func (c *Config) Validate() error {
	var errs []error

	linkType, err := transport.ParseLinkType(c.Link.Type)
	if err != nil {
		errs = append(errs, err)
	}
	switch linkType {
	case transport.LinkSerial:
		if c.Link.Port == "" {
			errs = append(errs, errors.New("link.port обязателен для последовательного канала"))
		}
		if c.Link.Baud <= 0 {
			errs = append(errs, errors.New("link.baud должен быть > 0"))
		}
	case transport.LinkRFCOMM:
		if c.Link.Address == "" {
			errs = append(errs, errors.New("link.address обязателен для rfcomm"))
		}
	}
	if c.Link.ReadTimeout <= 0 {
		errs = append(errs, errors.New("link.read_timeout должен быть > 0"))
	}

	if c.Adapter.CommandTimeout < 100*time.Millisecond {
		errs = append(errs, errors.New("adapter.command_timeout должен быть >= 100ms"))
	}
	if c.Adapter.ConnectAttempts == 0 {
		errs = append(errs, errors.New("adapter.connect_attempts должен быть >= 1"))
	}

	if c.Vehicle.Year != 0 && (c.Vehicle.Year < 1980 || c.Vehicle.Year > 2100) {
		errs = append(errs, fmt.Errorf("vehicle.year вне диапазона: %d", c.Vehicle.Year))
	}

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path обязателен"))
	}
	if c.Mongo.URI != "" && (c.Mongo.Database == "" || c.Mongo.Collection == "") {
		errs = append(errs, errors.New("mongo.database и mongo.collection обязательны при заданном mongo.uri"))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker обязателен"))
		}
		for key, topic := range map[string]string{
			"mqtt.topic":     c.MQTT.Topic,
			"mqtt.dtc_topic": c.MQTT.DTCTopic,
		} {
			if err := CheckPublishTopic(topic); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
		if c.MQTT.UpdateInterval < time.Second {
			errs = append(errs, errors.New("mqtt.update_interval должен быть >= 1s"))
		}
	}

	if c.Agent.Schedule != "" {
		if _, err := quartz.NewCronTrigger(c.Agent.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("agent.schedule: %w", err))
		}
	} else if c.Agent.ScanInterval < 5*time.Second {
		errs = append(errs, errors.New("agent.scan_interval должен быть >= 5s"))
	}

	if c.HTTP.Enabled && (c.HTTP.Port == 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("http.port вне диапазона: %d", c.HTTP.Port))
	}

	return errors.Join(errs...)
}

// CheckPublishTopic проверяет топик для публикации: непустой, без
// подстановочных символов.
func CheckPublishTopic(topic string) error {
	switch {
	case topic == "":
		return errors.New("топик не может быть пустым")
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("топик %q не может содержать + или #", topic)
	}
	return nil
}

// Redacted возвращает копию без секретов для вывода в лог.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	if c.Mongo.URI != "" {
		c.Mongo.URI = "*redacted*"
	}
	return c
}
