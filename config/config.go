package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           int      `yaml:"port"`
	DBPath         string   `yaml:"db_path"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
	PingInterval   int      `yaml:"ping_interval"` // seconds
	UploadDir      string   `yaml:"upload_dir"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	JWTSecret      string   `yaml:"jwt_secret"`
	TokenTTL       int      `yaml:"token_ttl"` // minutes
	RequireAuth    bool     `yaml:"require_auth"`
	EventRPS       float64  `yaml:"event_rps"`
	EventBurst     int      `yaml:"event_burst"`
	LogLevel       string   `yaml:"log_level"`
	ControlSocket  string   `yaml:"control_socket"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func Default() *Config {
	return &Config{
		Port:           5000,
		DBPath:         "studiorelay.db",
		ReadTimeout:    120,
		WriteTimeout:   30,
		PingInterval:   30,
		UploadDir:      "uploads",
		MaxUploadBytes: 10 << 20,
		TokenTTL:       24 * 60,
		EventRPS:       20,
		EventBurst:     40,
		LogLevel:       "info",
		ControlSocket:  "/tmp/studiorelay.sock",
	}
}

// Load resolves configuration from, in increasing priority: defaults, the YAML
// file named by STUDIO_CONFIG, a .env file in the working directory, and the
// process environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STUDIO_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load(".env")

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if portStr := os.Getenv("STUDIO_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Port = port
		}
	}

	if dbPath := os.Getenv("STUDIO_DB_PATH"); dbPath != "" {
		c.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("STUDIO_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("STUDIO_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.WriteTimeout = timeout
		}
	}

	if intervalStr := os.Getenv("STUDIO_PING_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			c.PingInterval = interval
		}
	}

	if dir := os.Getenv("STUDIO_UPLOAD_DIR"); dir != "" {
		c.UploadDir = dir
	}

	if sizeStr := os.Getenv("STUDIO_MAX_UPLOAD_BYTES"); sizeStr != "" {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			c.MaxUploadBytes = size
		}
	}

	if secret := os.Getenv("STUDIO_JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	}

	if ttlStr := os.Getenv("STUDIO_TOKEN_TTL"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil {
			c.TokenTTL = ttl
		}
	}

	if reqStr := os.Getenv("STUDIO_REQUIRE_AUTH"); reqStr != "" {
		if req, err := strconv.ParseBool(reqStr); err == nil {
			c.RequireAuth = req
		}
	}

	if rpsStr := os.Getenv("STUDIO_EVENT_RPS"); rpsStr != "" {
		if rps, err := strconv.ParseFloat(rpsStr, 64); err == nil {
			c.EventRPS = rps
		}
	}

	if burstStr := os.Getenv("STUDIO_EVENT_BURST"); burstStr != "" {
		if burst, err := strconv.Atoi(burstStr); err == nil {
			c.EventBurst = burst
		}
	}

	if level := os.Getenv("STUDIO_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if sock := os.Getenv("STUDIO_CONTROL_SOCKET"); sock != "" {
		c.ControlSocket = sock
	}

	if origins := os.Getenv("STUDIO_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
}

func (c *Config) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

func (c *Config) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c *Config) TokenTTLDuration() time.Duration {
	return time.Duration(c.TokenTTL) * time.Minute
}
