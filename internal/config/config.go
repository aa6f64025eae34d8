package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrEnvFileNotFound is returned when the .env file is not found
	ErrEnvFileNotFound = errors.New(".env file not found")

	loadOnce sync.Once
	loadErr  error
)

// Config holds the runtime settings of the service.
type Config struct {
	Port           int
	ModelPath      string
	MetadataPath   string
	LibraryPath    string
	MaxUploadBytes int64
	MaxFetchBytes  int64
	FetchTimeout   time.Duration
	SessionTTL     time.Duration
	CORSOrigin     string

	// MaxPixels bounds width*height of any image before it is decoded.
	MaxPixels int64
	// AllowPrivateFetch lets URL fetches reach loopback and private networks.
	AllowPrivateFetch bool
}

// LoadEnv loads environment variables from the .env file in the working
// directory. Variables that are already set are left untouched.
func LoadEnv() error {
	loadOnce.Do(func() {
		loadErr = loadEnvFile(".env")
	})
	return loadErr
}

func loadEnvFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrEnvFileNotFound
		}
		return fmt.Errorf("error loading %s: %w", filename, err)
	}
	return nil
}

func Load() Config {
	modelDir := Get("MODEL_DIR", "models")

	return Config{
		Port:           GetInt("PORT", 8080),
		ModelPath:      Get("MODEL_PATH", filepath.Join(modelDir, "model.onnx")),
		MetadataPath:   Get("METADATA_PATH", filepath.Join(modelDir, "model_metadata.json")),
		LibraryPath:    Get("ORT_LIBRARY_PATH", ""),
		MaxUploadBytes: int64(GetInt("MAX_UPLOAD_MB", 10)) << 20,
		MaxFetchBytes:  int64(GetInt("MAX_FETCH_MB", 10)) << 20,
		FetchTimeout:   GetDuration("FETCH_TIMEOUT_SECONDS", 15*time.Second),
		SessionTTL:     time.Duration(GetInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		CORSOrigin:     Get("CORS_ORIGIN", "*"),

		MaxPixels:         int64(GetInt("MAX_PIXELS", 25_000_000)),
		AllowPrivateFetch: GetBool("ALLOW_PRIVATE_FETCH", false),
	}
}

// Get retrieves an environment variable with a fallback value
func Get(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// GetInt retrieves an integer environment variable with a fallback value
func GetInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if result, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return result
		}
	}
	return fallback
}

// GetBool retrieves a boolean environment variable with a fallback value
func GetBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

// GetDuration reads a whole number of seconds. Values with a unit suffix
// ("500ms", "2m") are parsed with time.ParseDuration.
func GetDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
