package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（dev/test 凭据）
//  2. 加载 {env}.yaml
//  3. 环境变量覆盖 + 默认值填充
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	db := yamlCfg.Database
	db.Password = getEnv("DB_PASSWORD", "permitflow_dev_password")
	redisCfg := yamlCfg.Redis
	redisCfg.Password = os.Getenv("REDIS_PASSWORD")

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(db.Driver, databaseURL)
	db.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(db, db.Password)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(redisCfg)),
		APIPort:        getEnv("PORT", yamlCfg.Server.Port),
		MinIO:          yamlCfg.MinIO,
		Sandbox:        yamlCfg.Sandbox,
		Agent:          yamlCfg.Agent,
		Supervisor:     yamlCfg.Supervisor,
		Worker:         yamlCfg.Worker,
		Janitor:        yamlCfg.Janitor,
		Extract:        yamlCfg.Extract,
		Telemetry:      yamlCfg.Telemetry,
		ConfigFilePath: yamlCfg.loadedFrom,
	}

	// 凭据只来自环境变量
	cfg.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	cfg.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	cfg.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")

	cfg.applyEnvOverrides()
	cfg.validate()
	return cfg, nil
}

// applyEnvOverrides 非敏感配置的环境变量覆盖
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("AGENT_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("SKILLS_DIR"); v != "" {
		c.Agent.SkillsDir = v
	}
	if v := os.Getenv("WORKER_QUEUE"); v != "" {
		c.Worker.Queue = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// defaultYAMLConfig 硬编码默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Host: "localhost", Port: 5432, User: "permitflow", Name: "permitflow", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO: MinIOConfig{
			Endpoint:      "localhost:9000",
			UploadsBucket: "crossbeam-uploads",
			DemoBucket:    "crossbeam-demo-assets",
			OutputsBucket: "crossbeam-outputs",
			PresignTTL:    time.Hour,
		},
		Sandbox: SandboxConfig{
			Image:           "node:22-bookworm",
			User:            "node",
			VCPUs:           4,
			MemoryMB:        8192,
			Timeout:         30 * time.Minute,
			MaxInitialLease: 10 * time.Minute,
			WorkDir:         "/sandbox",
			FilesPath:       "/sandbox/project-files",
			OutputPath:      "/sandbox/project-files/output",
			SkillsPath:      "/sandbox/.claude/skills",
			Install:         DefaultInstallSteps(),
		},
		Agent: AgentConfig{
			CLI:        "claude",
			Model:      "claude-opus-4-6",
			SkillsDir:  "skills",
			EventsPath: "/sandbox/.permitflow/agent-events.jsonl",
		},
		Supervisor: SupervisorConfig{MaxAttempts: 120, Backoff: 30 * time.Second, PollInterval: 2 * time.Second},
		Worker:     WorkerConfig{Queue: "redis", Concurrency: 2, BlockTimeout: 5 * time.Second},
		Janitor:    JanitorConfig{Enabled: true, Schedule: "@every 5m", Grace: 10 * time.Minute},
		Extract:    ExtractConfig{Timeout: 5 * time.Minute},
		Telemetry:  TelemetryConfig{ServiceName: "permitflow"},
	}
}

// DefaultInstallSteps 默认依赖安装步骤
func DefaultInstallSteps() []InstallStep {
	return []InstallStep{
		{Cmd: "npm", Args: []string{"install", "-g", "@anthropic-ai/claude-code"}, Sudo: true},
		{Cmd: "npm", Args: []string{"install", "@anthropic-ai/claude-agent-sdk", "@supabase/supabase-js"}},
	}
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml；文件不存在时只使用默认值
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: *defaultYAMLConfig()}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths(env) {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
		break
	}
	return cfg, nil
}

// validate 填充缺省值，修正非法值
func (c *Config) validate() {
	def := defaultYAMLConfig()
	if c.APIPort == "" {
		c.APIPort = def.Server.Port
	}
	if c.Sandbox.VCPUs <= 0 {
		c.Sandbox.VCPUs = def.Sandbox.VCPUs
	}
	if c.Sandbox.Timeout <= 0 {
		c.Sandbox.Timeout = def.Sandbox.Timeout
	}
	if c.Sandbox.MaxInitialLease <= 0 || c.Sandbox.MaxInitialLease > c.Sandbox.Timeout {
		c.Sandbox.MaxInitialLease = c.Sandbox.Timeout
	}
	if len(c.Sandbox.Install) == 0 {
		c.Sandbox.Install = def.Sandbox.Install
	}
	if c.Supervisor.MaxAttempts <= 0 {
		c.Supervisor.MaxAttempts = def.Supervisor.MaxAttempts
	}
	if c.Supervisor.Backoff <= 0 {
		c.Supervisor.Backoff = def.Supervisor.Backoff
	}
	if c.Supervisor.PollInterval <= 0 {
		c.Supervisor.PollInterval = def.Supervisor.PollInterval
	}
	if c.Worker.Queue != "redis" && c.Worker.Queue != "memory" {
		c.Worker.Queue = def.Worker.Queue
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = def.Worker.Concurrency
	}
	if c.Worker.Consumer == "" {
		host, _ := os.Hostname()
		c.Worker.Consumer = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if c.Worker.BlockTimeout <= 0 {
		c.Worker.BlockTimeout = def.Worker.BlockTimeout
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = def.Janitor.Schedule
	}
	if c.MinIO.PresignTTL <= 0 {
		c.MinIO.PresignTTL = def.MinIO.PresignTTL
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}
