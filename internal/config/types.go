// Package config 统一配置管理
//
// 服务端（serve）、Worker 与一次性命令（run/reap/migrate）共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在环境变量中（YAML 中不存储任何密码）。
//	dev/test 环境从 .env.{env} 文件加载，生产环境由 systemd 注入。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/permitflow/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Agent      AgentConfig      `yaml:"agent"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	Extract    ExtractConfig    `yaml:"extract"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" 或 "postgres"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// MinIOConfig 对象存储配置
//
// 三个 bucket 名同时作为 storage_path 的前缀用于推断下载来源。
type MinIOConfig struct {
	Endpoint      string        `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey     string        `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey     string        `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL        bool          `yaml:"use_ssl"`
	UploadsBucket string        `yaml:"uploads_bucket"`
	DemoBucket    string        `yaml:"demo_bucket"`
	OutputsBucket string        `yaml:"outputs_bucket"`
	PresignTTL    time.Duration `yaml:"presign_ttl"` // 下载链接有效期
}

// InstallStep 沙箱依赖安装步骤
type InstallStep struct {
	Cmd  string   `yaml:"cmd"`
	Args []string `yaml:"args"`
	Sudo bool     `yaml:"sudo"`
}

// SandboxConfig 执行环境配置
type SandboxConfig struct {
	Image           string            `yaml:"image"`
	User            string            `yaml:"user"` // 非 sudo 命令的执行用户
	VCPUs           int               `yaml:"vcpus"`
	MemoryMB        int64             `yaml:"memory_mb"`
	Network         string            `yaml:"network"`           // 可选 Docker 网络
	Timeout         time.Duration     `yaml:"timeout"`           // 期望租期
	MaxInitialLease time.Duration     `yaml:"max_initial_lease"` // 创建时最多授予的租期，不足部分通过续期补齐
	WorkDir         string            `yaml:"work_dir"`
	FilesPath       string            `yaml:"files_path"`
	OutputPath      string            `yaml:"output_path"`
	SkillsPath      string            `yaml:"skills_path"`
	Install         []InstallStep     `yaml:"install"`
	Env             map[string]string `yaml:"env"`
	// SheetManifestFixture 宿主机上的 sheet-manifest.json 路径，空表示不预置
	SheetManifestFixture string `yaml:"sheet_manifest_fixture"`
}

// AgentConfig Agent CLI 配置
type AgentConfig struct {
	CLI        string `yaml:"cli"` // CLI 可执行文件
	Model      string `yaml:"model"`
	SkillsDir  string `yaml:"skills_dir"`  // 宿主机技能包根目录
	EventsPath string `yaml:"events_path"` // 沙箱内事件流文件
	APIKey     string `yaml:"-"`           // 只从 ANTHROPIC_API_KEY 环境变量读取
}

// SupervisorConfig 运行监督配置
type SupervisorConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      time.Duration `yaml:"backoff"`
	PollInterval time.Duration `yaml:"poll_interval"` // 事件文件轮询间隔
}

// WorkerConfig 任务消费配置
type WorkerConfig struct {
	Queue        string        `yaml:"queue"` // "redis" 或 "memory"
	Concurrency  int           `yaml:"concurrency"`
	Consumer     string        `yaml:"consumer"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// JanitorConfig 过期沙箱清理配置
type JanitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"` // cron 表达式
	Grace    time.Duration `yaml:"grace"`    // 租期到期后的宽限时间
}

// ExtractConfig PDF 预提取服务配置
type ExtractConfig struct {
	Endpoint string        `yaml:"endpoint"` // 为空时跳过预提取
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"` // OTLP HTTP 端点（OTEL_EXPORTER_OTLP_ENDPOINT 覆盖）
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" 或 "sqlite"
	DatabaseURL    string
	RedisURL       string
	APIPort        string
	MinIO          MinIOConfig
	Sandbox        SandboxConfig
	Agent          AgentConfig
	Supervisor     SupervisorConfig
	Worker         WorkerConfig
	Janitor        JanitorConfig
	Extract        ExtractConfig
	Telemetry      TelemetryConfig
	ConfigFilePath string // 实际加载的配置文件路径
}
