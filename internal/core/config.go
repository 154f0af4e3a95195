package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/privd/privd/internal/protocol"
)

// Config contains all of the configuration options available to the privd
// service and its tools.
type Config struct {
	// Filesystem path of the Unix socket on which the service listens.
	SocketPath string `mapstructure:"socket_path"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Database struct {
		// Engine backing the account store, either sqlite or postgres.
		Engine string `mapstructure:"engine"`
		// Database file used when the engine is sqlite.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database for privd.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to the database.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Session struct {
		// Safety-net TTL in minutes for issued tokens and grants. Zero
		// disables expiry; connection teardown still revokes.
		TokenTTLMinutes int `mapstructure:"token_ttl_minutes"`
	} `mapstructure:"session"`
}

const envVarPrefix = "PRIVD"

// LoadConfig initializes Viper with the contents of the config file under
// configPath. A missing config file is not an error; the defaults describe a
// self-contained sqlite deployment.
func LoadConfig(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	viper.SetDefault("socket_path", protocol.DefaultSocketPath)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("database.engine", "sqlite")
	viper.SetDefault("database.filename", "privd.db")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("session.token_ttl_minutes", 60)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "no config file in %s, using defaults\n", configPath)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using PRIVD_DATABASE_HOST.
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns the data source string for the configured engine: a
// Postgres DSN, or the database filename for sqlite.
func (c *Config) DatabaseURL() string {
	if c.Database.Engine == "sqlite" {
		return c.Database.Filename
	}
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// LockPath returns the path of the single-instance lock file kept alongside
// the service socket.
func (c *Config) LockPath() string {
	return c.SocketPath + ".lock"
}
