package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Device    DeviceConfig    `mapstructure:"device"`
	EventBus  EventBusConfig  `mapstructure:"event_bus"`
	Log       LogConfig       `mapstructure:"log"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置（设备登记镜像，不保存测量历史）
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	CleanSession   bool          `mapstructure:"clean_session"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
}

// DeviceConfig 设备模拟配置
type DeviceConfig struct {
	// 随机源种子，0 表示按时间播种
	Seed int64 `mapstructure:"seed"`
	// 新建设备时缺省的模拟参数
	LatencyMs   int64   `mapstructure:"latency_ms"`
	FailRate    float64 `mapstructure:"fail_rate"`
	EnableNoise bool    `mapstructure:"enable_noise"`
	NoiseRange  float64 `mapstructure:"noise_range"`
	// 启动时预创建的设备
	Preload []PreloadDevice `mapstructure:"preload"`
}

// PreloadDevice 预创建设备
type PreloadDevice struct {
	ID     string                 `mapstructure:"id"`
	Type   string                 `mapstructure:"type"`
	Config map[string]interface{} `mapstructure:"config"`
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("SDL_SIM")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		parsed := &Config{}
		if err = v.Unmarshal(parsed); err != nil {
			return
		}
		if err = parsed.Validate(); err != nil {
			return
		}

		mu.Lock()
		cfg = parsed
		mu.Unlock()
	})

	return err
}

// Load 从指定viper实例解析配置，不影响全局配置（测试和工具使用）
func Load(vp *viper.Viper) (*Config, error) {
	setDefaults(vp)
	parsed := &Config{}
	if err := vp.Unmarshal(parsed); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := parsed.Validate(); err != nil {
		return nil, err
	}
	return parsed, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/sdl-simulator.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// MQTT默认配置
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "sdl-simulator")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.topic_prefix", "sdl/devices")

	// 设备模拟默认配置
	v.SetDefault("device.seed", 0)
	v.SetDefault("device.latency_ms", 100)
	v.SetDefault("device.fail_rate", 0.01)
	v.SetDefault("device.enable_noise", true)
	v.SetDefault("device.noise_range", 0.05)

	// 事件总线默认配置
	v.SetDefault("event_bus.capacity", 100)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "sdl-simulator.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.EventBus.Capacity <= 0 {
		return fmt.Errorf("event_bus.capacity 必须大于0: %d", c.EventBus.Capacity)
	}
	if c.Device.LatencyMs < 0 {
		return fmt.Errorf("device.latency_ms 不能为负数: %d", c.Device.LatencyMs)
	}
	if c.Device.FailRate < 0 || c.Device.FailRate > 1 {
		return fmt.Errorf("device.fail_rate 必须在[0,1]内: %v", c.Device.FailRate)
	}
	if c.Device.NoiseRange < 0 {
		return fmt.Errorf("device.noise_range 不能为负数: %v", c.Device.NoiseRange)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos 只能是0、1或2: %d", c.MQTT.QoS)
	}
	for i, d := range c.Device.Preload {
		if d.Type == "" {
			return fmt.Errorf("device.preload[%d].type 不能为空", i)
		}
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
