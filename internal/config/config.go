package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Build  BuildConfig  `mapstructure:"build"`
	Skills SkillsConfig `mapstructure:"skills"`
	Events struct {
		BufferSize    int           `mapstructure:"buffer_size"`
		EvictionGrace time.Duration `mapstructure:"eviction_grace"`
	} `mapstructure:"events"`
	Tools ToolsConfig `mapstructure:"tools"`
}

// BuildConfig configures the build pipeline and its runtime resources.
type BuildConfig struct {
	WorkspaceRoot       string        `mapstructure:"workspace_root"`
	BasePort            int           `mapstructure:"base_port"`
	PortAttempts        int           `mapstructure:"port_attempts"`
	CodegenTool         string        `mapstructure:"codegen_tool"`
	VerifyTool          string        `mapstructure:"verify_tool"`
	DeployTool          string        `mapstructure:"deploy_tool"`
	DefaultDeployTarget string        `mapstructure:"default_deploy_target"`
	InstallCommand      []string      `mapstructure:"install_command"`
	StaticServerCommand []string      `mapstructure:"static_server_command"`
	TerminateGrace      time.Duration `mapstructure:"terminate_grace"`
}

// SkillsConfig configures the workflow engine.
type SkillsConfig struct {
	MaxDepth       int           `mapstructure:"max_depth"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	DefinitionsDir string        `mapstructure:"definitions_dir"`
}

// ToolsConfig lists the tool providers wired into the gateway at startup.
type ToolsConfig struct {
	HTTP     []EndpointTool `mapstructure:"http"`
	MCP      []EndpointTool `mapstructure:"mcp"`
	Commands []CommandTool  `mapstructure:"commands"`
}

// EndpointTool is a remote tool provider reachable at URL.
type EndpointTool struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// CommandTool is a local executable exposed as a tool.
type CommandTool struct {
	Name    string        `mapstructure:"name"`
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "VOICEORCH"

// New returns a viper instance with every default registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "orchestrator")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("build.workspace_root", "./workspaces")
	v.SetDefault("build.base_port", 4000)
	v.SetDefault("build.port_attempts", 100)
	v.SetDefault("build.codegen_tool", "codegen")
	v.SetDefault("build.verify_tool", "verify")
	v.SetDefault("build.deploy_tool", "deploy")
	v.SetDefault("build.default_deploy_target", "localhost")
	v.SetDefault("build.install_command", []string{"npm", "install"})
	v.SetDefault("build.static_server_command", []string{"npx", "--yes", "serve", "-l", "{port}", "."})
	v.SetDefault("build.terminate_grace", 5*time.Second)
	v.SetDefault("skills.max_depth", 5)
	v.SetDefault("skills.retry_backoff", time.Duration(0))
	v.SetDefault("skills.definitions_dir", "")
	v.SetDefault("events.buffer_size", 64)
	v.SetDefault("events.eviction_grace", 5*time.Minute)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error in that case.
func LoadConfig(path string) (*Config, error) {
	return Load(New(), path)
}

// Load reads the configuration through v, which may already carry bound flags.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Build.WorkspaceRoot = normalizeWorkspaceRoot(config.Build.WorkspaceRoot)

	return &config, nil
}

// normalizeWorkspaceRoot makes the workspace root absolute so that spawned
// processes and deletions never depend on the server's working directory.
func normalizeWorkspaceRoot(input string) string {
	root := strings.TrimSpace(input)
	if root == "" {
		root = "./workspaces"
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}
