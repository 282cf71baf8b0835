package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Detection DetectionConfig `mapstructure:"detection"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StaticDir    string        `mapstructure:"static_dir"`
}

// BackendConfig 描述外部检测/推荐服务
type BackendConfig struct {
	URL              string        `mapstructure:"url"`
	AllowOverride    bool          `mapstructure:"allow_override"`
	PredictTimeout   time.Duration `mapstructure:"predict_timeout"`
	RecommendTimeout time.Duration `mapstructure:"recommend_timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
}

// DetectionConfig 阈值默认值与取值范围
type DetectionConfig struct {
	Confidence    float64 `mapstructure:"confidence"`
	IoU           float64 `mapstructure:"iou"`
	MinConfidence float64 `mapstructure:"min_confidence"`
	MaxConfidence float64 `mapstructure:"max_confidence"`
	MinIoU        float64 `mapstructure:"min_iou"`
	MaxIoU        float64 `mapstructure:"max_iou"`
}

type UploadConfig struct {
	MaxSize            int64    `mapstructure:"max_size"`
	MaxFiles           int      `mapstructure:"max_files"`
	MaxDimension       int      `mapstructure:"max_dimension"`
	LowDetailThreshold float64  `mapstructure:"low_detail_threshold"`
	AllowedTypes       []string `mapstructure:"allowed_types"`
}

// multipartOverhead 表单字段和分段头预留的空间
const multipartOverhead = 1 << 20

// MaxRequestSize 一次上传请求允许的最大字节数，也是内存解析的上限
func (u UploadConfig) MaxRequestSize() int64 {
	files := int64(max(u.MaxFiles, 1))
	return u.MaxSize*files + multipartOverhead
}

// BatchConfig 控制跨会话的并发批处理数量
type BatchConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	Secure     bool   `mapstructure:"secure"`
}

// StreamWriteTimeout 写超时至少要覆盖一整批的流式响应：
// 排队等待加上每张图片一次 /predict
func (c *Config) StreamWriteTimeout() time.Duration {
	files := time.Duration(max(c.Upload.MaxFiles, 1))
	batch := c.Batch.QueueTimeout + files*c.Backend.PredictTimeout + time.Minute
	if c.Server.WriteTimeout <= 0 || c.Server.WriteTimeout >= batch {
		return c.Server.WriteTimeout
	}
	return batch
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

// New 使用默认配置路径加载配置，文件缺失时仅使用默认值和环境变量
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		cfg, err = unmarshal(newViper())
		if err != nil {
			return getDefaultConfig()
		}
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// WW_BACKEND_URL -> backend.url
	v.SetEnvPrefix("WW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 45*time.Minute)
	v.SetDefault("server.static_dir", "./static")

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.allow_override", true)
	v.SetDefault("backend.predict_timeout", 120*time.Second)
	v.SetDefault("backend.recommend_timeout", 120*time.Second)
	v.SetDefault("backend.health_timeout", 10*time.Second)

	v.SetDefault("detection.confidence", 0.25)
	v.SetDefault("detection.iou", 0.45)
	v.SetDefault("detection.min_confidence", 0.05)
	v.SetDefault("detection.max_confidence", 0.95)
	v.SetDefault("detection.min_iou", 0.10)
	v.SetDefault("detection.max_iou", 0.90)

	v.SetDefault("upload.max_size", 10*1024*1024)
	v.SetDefault("upload.max_files", 20)
	v.SetDefault("upload.max_dimension", 0)
	v.SetDefault("upload.low_detail_threshold", 0.01)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg"})

	v.SetDefault("batch.max_concurrent", 4)
	v.SetDefault("batch.queue_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("session.cookie_name", "ww_session")
	v.SetDefault("session.secure", false)
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 45 * time.Minute,
			StaticDir:    "./static",
		},
		Backend: BackendConfig{
			URL:              "http://localhost:8000",
			AllowOverride:    true,
			PredictTimeout:   120 * time.Second,
			RecommendTimeout: 120 * time.Second,
			HealthTimeout:    10 * time.Second,
		},
		Detection: DetectionConfig{
			Confidence:    0.25,
			IoU:           0.45,
			MinConfidence: 0.05,
			MaxConfidence: 0.95,
			MinIoU:        0.10,
			MaxIoU:        0.90,
		},
		Upload: UploadConfig{
			MaxSize:            10 * 1024 * 1024,
			MaxFiles:           20,
			MaxDimension:       0,
			LowDetailThreshold: 0.01,
			AllowedTypes:       []string{"image/jpeg", "image/png", "image/jpg"},
		},
		Batch: BatchConfig{
			MaxConcurrent: 4,
			QueueTimeout:  30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      24 * time.Hour,
		},
		Session: SessionConfig{
			CookieName: "ww_session",
		},
	}
}
