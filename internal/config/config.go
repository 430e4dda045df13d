package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"Monios-Control/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "MONIOS_CONFIG"

// DefaultSystemPrompt 是未配置时交给智能体运行时的系统提示词。
const DefaultSystemPrompt = "You are a helpful assistant in a terminal-aesthetic chat app called Monios. Keep responses concise and friendly."

// Config 描述了 moniosd 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Logging    logger.Config    `json:"logging" yaml:"logging"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
	Continuity ContinuityConfig `json:"continuity" yaml:"continuity"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	Rollout    RolloutConfig    `json:"rollout" yaml:"rollout"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
}

// ServerConfig 控制 HTTP 服务的监听地址。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ShutdownTimeout 返回优雅关闭的超时时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// AuthConfig 为空时按请求体中的 user_id 识别租户。
type AuthConfig struct {
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTSecretEnv string `json:"jwt_secret_env" yaml:"jwt_secret_env"`
	Issuer       string `json:"issuer" yaml:"issuer"`
}

// RuntimeConfig 选择智能体运行时以及会话参数。
type RuntimeConfig struct {
	Provider     string          `json:"provider" yaml:"provider"`
	SystemPrompt string          `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools []string        `json:"allowed_tools" yaml:"allowed_tools"`
	MaxTurns     int             `json:"max_turns" yaml:"max_turns"`
	ClaudeCLI    ClaudeCLIConfig `json:"claude_cli" yaml:"claude_cli"`
	OpenAI       OpenAIConfig    `json:"openai" yaml:"openai"`
}

// ClaudeCLIConfig 描述本地 claude 命令行的调用方式。
type ClaudeCLIConfig struct {
	Binary     string   `json:"binary" yaml:"binary"`
	WorkingDir string   `json:"working_dir" yaml:"working_dir"`
	ExtraArgs  []string `json:"extra_args" yaml:"extra_args"`
}

// OpenAIConfig 描述 Responses API 的访问参数。
type OpenAIConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次请求的超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ContinuityConfig 选择续接令牌账本的持久化后端。
type ContinuityConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Path   string      `json:"path" yaml:"path"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// MySQLConfig 与连接池参数一一对应。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 被账本和发布队列共用。
type RedisConfig struct {
	Addr        string `json:"addr" yaml:"addr"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
	Key         string `json:"key" yaml:"key"`
}

// SandboxConfig 描述沙箱平台、镜像以及注入的密钥。
type SandboxConfig struct {
	Platform    string `json:"platform" yaml:"platform"`
	Image       string `json:"image" yaml:"image"`
	ArtifactDir string `json:"artifact_dir" yaml:"artifact_dir"`
	MountPath   string `json:"mount_path" yaml:"mount_path"`
	StalePolicy string `json:"stale_policy" yaml:"stale_policy"`
	// Secrets 的键是沙箱内的环境变量名，值是宿主机上的环境变量名。
	Secrets map[string]string `json:"secrets" yaml:"secrets"`
	Env     map[string]string `json:"env" yaml:"env"`
	// Command 非空时沙箱以服务方式运行，并通过 Port 暴露端点。
	Command []string `json:"command" yaml:"command"`
	Port    int      `json:"port" yaml:"port"`
}

// SecretValues 把密钥映射解析为沙箱环境变量名到实际值的映射，缺失的宿主变量被跳过。
func (s SandboxConfig) SecretValues() map[string]string {
	out := make(map[string]string, len(s.Secrets))
	for name, hostEnv := range s.Secrets {
		if value, ok := os.LookupEnv(hostEnv); ok {
			out[name] = value
		}
	}
	return out
}

// RolloutConfig 选择代码产物发布通知所使用的队列。
type RolloutConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL    string `json:"url" yaml:"url"`
	URLEnv string `json:"url_env" yaml:"url_env"`
	Queue  string `json:"queue" yaml:"queue"`
}

// AlertingConfig 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url" yaml:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds" yaml:"webhook_timeout_seconds"`
}

// ResolvePath 依次使用命令行参数、环境变量和默认路径。
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return filepath.Join("configs", "monios.jsonc")
}

// Load 根据扩展名解析 JSON/JSONC 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(content), &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，主要供测试和本地开发使用。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	c.DataDir = absUnder(baseDir, c.DataDir, "data")

	if c.Runtime.Provider == "" {
		c.Runtime.Provider = "claude_cli"
	}
	if c.Runtime.SystemPrompt == "" {
		c.Runtime.SystemPrompt = DefaultSystemPrompt
	}
	if c.Runtime.MaxTurns <= 0 {
		c.Runtime.MaxTurns = 10
	}
	if c.Runtime.ClaudeCLI.Binary == "" {
		c.Runtime.ClaudeCLI.Binary = "claude"
	}
	if c.Runtime.ClaudeCLI.WorkingDir != "" {
		c.Runtime.ClaudeCLI.WorkingDir = absUnder(baseDir, c.Runtime.ClaudeCLI.WorkingDir, "")
	}
	if c.Runtime.OpenAI.BaseURL == "" {
		c.Runtime.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Runtime.OpenAI.Model == "" {
		c.Runtime.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Runtime.OpenAI.APIKeyEnv == "" {
		c.Runtime.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Runtime.OpenAI.TimeoutSeconds <= 0 {
		c.Runtime.OpenAI.TimeoutSeconds = 120
	}

	if c.Continuity.Driver == "" {
		c.Continuity.Driver = "file"
	}
	c.Continuity.Path = absUnder(c.DataDir, c.Continuity.Path, "sessions.json")
	if c.Continuity.Redis.Key == "" {
		c.Continuity.Redis.Key = "monios:continuity"
	}

	if c.Sandbox.Platform == "" {
		c.Sandbox.Platform = "memory"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "python:3.12-slim"
	}
	if c.Sandbox.MountPath == "" {
		c.Sandbox.MountPath = "/app"
	}
	if c.Sandbox.StalePolicy == "" {
		c.Sandbox.StalePolicy = "reuse"
	}
	if c.Sandbox.ArtifactDir != "" {
		c.Sandbox.ArtifactDir = absUnder(baseDir, c.Sandbox.ArtifactDir, "")
	}
	if len(c.Sandbox.Command) > 0 && c.Sandbox.Port <= 0 {
		c.Sandbox.Port = 8080
	}

	if c.Rollout.Driver == "" {
		c.Rollout.Driver = "memory"
	}
	if c.Rollout.Buffer <= 0 {
		c.Rollout.Buffer = 16
	}
	if c.Rollout.Redis.Key == "" {
		c.Rollout.Redis.Key = "monios:rollout"
	}
	if c.Rollout.RabbitMQ.Queue == "" {
		c.Rollout.RabbitMQ.Queue = "monios.rollout"
	}

	if c.Alerting.WebhookTimeoutSeconds <= 0 {
		c.Alerting.WebhookTimeoutSeconds = 5
	}
}

// resolveSecrets 从环境变量中读取以 *_env 声明的敏感字段。
func (c *Config) resolveSecrets() {
	fill := func(target *string, envName string) {
		if *target != "" || envName == "" {
			return
		}
		*target = os.Getenv(envName)
	}
	fill(&c.Auth.JWTSecret, c.Auth.JWTSecretEnv)
	fill(&c.Runtime.OpenAI.APIKey, c.Runtime.OpenAI.APIKeyEnv)
	fill(&c.Continuity.MySQL.DSN, c.Continuity.MySQL.DSNEnv)
	fill(&c.Continuity.Redis.Password, c.Continuity.Redis.PasswordEnv)
	fill(&c.Rollout.Redis.Password, c.Rollout.Redis.PasswordEnv)
	fill(&c.Rollout.RabbitMQ.URL, c.Rollout.RabbitMQ.URLEnv)
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 无效，可选值: %s", field, value, strings.Join(allowed, ", ")))
	}
	check("runtime.provider", c.Runtime.Provider, "claude_cli", "openai")
	check("continuity.driver", c.Continuity.Driver, "file", "mysql", "redis")
	check("sandbox.platform", c.Sandbox.Platform, "memory", "dagger")
	check("sandbox.stale_policy", c.Sandbox.StalePolicy, "reuse", "reprovision")
	check("rollout.driver", c.Rollout.Driver, "memory", "redis", "rabbitmq")

	if c.Continuity.Driver == "mysql" && c.Continuity.MySQL.DSN == "" {
		errs = append(errs, errors.New("continuity.mysql.dsn 不能为空"))
	}
	if c.Continuity.Driver == "redis" && c.Continuity.Redis.Addr == "" {
		errs = append(errs, errors.New("continuity.redis.addr 不能为空"))
	}
	if c.Rollout.Driver == "redis" && c.Rollout.Redis.Addr == "" {
		errs = append(errs, errors.New("rollout.redis.addr 不能为空"))
	}
	if c.Rollout.Driver == "rabbitmq" && c.Rollout.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rollout.rabbitmq.url 不能为空"))
	}
	return errors.Join(errs...)
}

func absUnder(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
