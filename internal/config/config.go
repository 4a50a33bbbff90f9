package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "APKRENAME"

type Config struct {
	Tools    ToolsConfig    `mapstructure:"tools"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Work     WorkConfig     `mapstructure:"work"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	Java      string     `mapstructure:"java"`
	Apktool   ToolConfig `mapstructure:"apktool"`
	Zipalign  ToolConfig `mapstructure:"zipalign"`
	Apksigner ToolConfig `mapstructure:"apksigner"`
	Keytool   ToolConfig `mapstructure:"keytool"`
}

// ToolConfig 单个工具：jar 存在时通过 java -jar 调用，否则使用可执行文件
type ToolConfig struct {
	Path string `mapstructure:"path"`
	Jar  string `mapstructure:"jar"`
}

// SigningConfig 签名配置
type SigningConfig struct {
	Keystore      string `mapstructure:"keystore"`
	KeyAlias      string `mapstructure:"key_alias"`
	StorePassword string `mapstructure:"store_password"`
	KeyPassword   string `mapstructure:"key_password"`
	KeyAlgorithm  string `mapstructure:"key_algorithm"`
	KeySize       int    `mapstructure:"key_size"`
	ValidityDays  int    `mapstructure:"validity_days"`
	DName         string `mapstructure:"dname"`
	V1Enabled     bool   `mapstructure:"v1_enabled"`
	V2Enabled     bool   `mapstructure:"v2_enabled"`
	V3Enabled     bool   `mapstructure:"v3_enabled"`
	MinSDK        int    `mapstructure:"min_sdk"`
	MaxSDK        int    `mapstructure:"max_sdk"`
}

// WorkConfig 工作目录配置
type WorkConfig struct {
	Dir            string        `mapstructure:"dir"`
	OutputDir      string        `mapstructure:"output_dir"` // 服务模式下的输出目录
	UploadDir      string        `mapstructure:"upload_dir"` // 服务模式下的上传目录
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	KeepWorkDir    bool          `mapstructure:"keep_work_dir"`
	AssumeYes      bool          `mapstructure:"assume_yes"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
	// APIToken 非空时 /api/jobs 和 /ws 需要 Bearer token
	APIToken string `mapstructure:"api_token"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// URL 返回 AMQP 连接地址
func (c RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatchConfig 收件目录监控配置
type WatchConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Dir         string        `mapstructure:"dir"`
	Pattern     string        `mapstructure:"pattern"`
	DisplayName string        `mapstructure:"display_name"`
	Package     string        `mapstructure:"package"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// SetDefaults 设置默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tools.java", "java")
	v.SetDefault("tools.apktool.path", "apktool")
	v.SetDefault("tools.apktool.jar", "apktool.jar")
	v.SetDefault("tools.zipalign.path", "zipalign")
	v.SetDefault("tools.zipalign.jar", "")
	v.SetDefault("tools.apksigner.path", "apksigner")
	v.SetDefault("tools.apksigner.jar", "apksigner.jar")
	v.SetDefault("tools.keytool.path", "keytool")
	v.SetDefault("tools.keytool.jar", "")

	v.SetDefault("signing.keystore", "my-release-key.keystore")
	v.SetDefault("signing.key_alias", "myalias")
	v.SetDefault("signing.store_password", "android")
	v.SetDefault("signing.key_password", "android")
	v.SetDefault("signing.key_algorithm", "RSA")
	v.SetDefault("signing.key_size", 2048)
	v.SetDefault("signing.validity_days", 10000)
	v.SetDefault("signing.dname", "CN=Unknown, OU=Unknown, O=Unknown, L=Unknown, ST=Unknown, C=Unknown")
	v.SetDefault("signing.v1_enabled", true)
	v.SetDefault("signing.v2_enabled", true)
	v.SetDefault("signing.v3_enabled", false)
	v.SetDefault("signing.min_sdk", 16)
	v.SetDefault("signing.max_sdk", 33)

	v.SetDefault("work.dir", "./apk_workdir")
	v.SetDefault("work.output_dir", "./data/output")
	v.SetDefault("work.upload_dir", "./data/uploads")
	v.SetDefault("work.confirm_timeout", 5*time.Second)
	v.SetDefault("work.keep_work_dir", false)
	v.SetDefault("work.assume_yes", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.api_token", "")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "apk_rename")
	v.SetDefault("database.path", "./data/jobs.db")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_rename_jobs")
	v.SetDefault("rabbitmq.prefetch", 1)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.dir", "./inbox")
	v.SetDefault("watch.pattern", "*.apk")
	v.SetDefault("watch.display_name", "")
	v.SetDefault("watch.package", "")
	v.SetDefault("watch.debounce", 2*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "apk_rename")
}

// Load 加载配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	// 环境变量覆盖（APKRENAME_SIGNING_KEYSTORE 之类）
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 兼容常用的环境变量名
	v.BindEnv("signing.store_password", EnvPrefix+"_SIGNING_STORE_PASSWORD", "KEYSTORE_PASS")
	v.BindEnv("signing.key_password", EnvPrefix+"_SIGNING_KEY_PASSWORD", "KEY_PASS")
	v.BindEnv("rabbitmq.host", EnvPrefix+"_RABBITMQ_HOST", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", EnvPrefix+"_RABBITMQ_PORT", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", EnvPrefix+"_RABBITMQ_USER", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", EnvPrefix+"_RABBITMQ_PASSWORD", "RABBITMQ_PASS")
	v.BindEnv("database.host", EnvPrefix+"_DATABASE_HOST", "MYSQL_HOST")
	v.BindEnv("database.port", EnvPrefix+"_DATABASE_PORT", "MYSQL_PORT")
	v.BindEnv("database.user", EnvPrefix+"_DATABASE_USER", "MYSQL_USER")
	v.BindEnv("database.password", EnvPrefix+"_DATABASE_PASSWORD", "MYSQL_PASS")
	v.BindEnv("database.db_name", EnvPrefix+"_DATABASE_DB_NAME", "MYSQL_DB")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Work.Dir == "" {
		return fmt.Errorf("work.dir must not be empty")
	}
	if c.Signing.Keystore == "" || c.Signing.KeyAlias == "" {
		return fmt.Errorf("signing.keystore and signing.key_alias must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Work.ConfirmTimeout < 0 {
		return fmt.Errorf("work.confirm_timeout must not be negative")
	}
	return nil
}
