package configuration

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type (
	Properties struct {
		LogLevel string `env:"LOG_LEVEL" envDefault:"DEBUG"`
		EnvFile  string `env:"ENV_FILE" envDefault:".env"`

		API    APIProperties        `envPrefix:"API_"`
		Auth   AuthProperties       `envPrefix:"AUTH_"`
		Store  StoreProperties      `envPrefix:"STORE_"`
		S3     S3Properties         `envPrefix:"S3_"`
		Server HttpServerProperties `envPrefix:"HTTP_"`
	}

	// APIProperties describe the remote REST API the client talks to.
	// Paths are resolved against BaseURL, so relative values keep the /api/ prefix.
	APIProperties struct {
		BaseURL          string        `env:"BASE_URL" envDefault:"http://localhost:8000/api/"`
		TokenPath        string        `env:"TOKEN_PATH" envDefault:"token/"`
		RefreshPath      string        `env:"REFRESH_PATH" envDefault:"token/refresh/"`
		RegistrationPath string        `env:"REGISTRATION_PATH" envDefault:"auth/registration/"`
		UploadPath       string        `env:"UPLOAD_PATH" envDefault:"upload/"`
		Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
	}

	// AuthProperties switch token issuance from the REST endpoints to an
	// OpenID Connect provider when Issuer is set.
	AuthProperties struct {
		Issuer string   `env:"ISSUER"`
		ID     string   `env:"ID"`
		Secret string   `env:"SECRET"`
		Scopes []string `env:"SCOPES" envSeparator:"," envDefault:"openid,offline_access"`
	}

	StoreProperties struct {
		Backend   string `env:"BACKEND" envDefault:"file"`
		Path      string `env:"PATH"`
		RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
		KeyPrefix string `env:"KEY_PREFIX" envDefault:"snapup:"`
	}

	HttpServerProperties struct {
		Name         string        `env:"NAME" envDefault:"snapup"`
		Port         string        `env:"PORT" envDefault:"8088"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
		AllowOrigins []string      `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
		Pprof        bool          `env:"PPROF" envDefault:"false"`
		MaxUpload    int64         `env:"MAX_UPLOAD" envDefault:"33554432"`
	}

	S3Properties struct {
		Host       string        `env:"HOST"`
		AccessKey  string        `env:"ACCESS_KEY"`
		SecretKey  string        `env:"SECRET_KEY"`
		Bucket     string        `env:"BUCKET" envDefault:"photos"`
		UseSSL     bool          `env:"USE_SSL" envDefault:"true"`
		LinkExpiry time.Duration `env:"LINK_EXPIRY" envDefault:"24h"`
	}
)

// GalleryEnabled reports whether an image library bucket is configured.
func (p *Properties) GalleryEnabled() bool {
	return p.S3.Host != ""
}

// ParseProperties loads the env file named by ENV_FILE, then parses the
// environment. Variables already set win over the file.
func ParseProperties() (*Properties, error) {
	config := &Properties{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := godotenv.Load(config.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", config.EnvFile, err)
	}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if config.API.Timeout <= 0 {
		return nil, fmt.Errorf("API_TIMEOUT must be positive, got %s", config.API.Timeout)
	}
	return config, nil
}

func ReadProperties() *Properties {
	config, err := ParseProperties()
	if err != nil {
		panic(fmt.Errorf("read config error: %w", err))
	}
	return config
}
