package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultHome is used when APP_HOME is unset.
const DefaultHome = "/app"

// Config holds every runtime option of facegate.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Verify   VerifyConfig   `yaml:"verify"`
	Model    ModelConfig    `yaml:"model"`
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	Control  ControlConfig  `yaml:"control"`
	LogLevel string         `yaml:"log_level"`
}

type CameraConfig struct {
	Index           int           `yaml:"index"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	FPS             int           `yaml:"fps"`
	MaxReadFailures int           `yaml:"max_read_failures"`
	MaxRecoveries   int           `yaml:"max_recoveries"`
	OpenRetries     int           `yaml:"open_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
	// Backend is "gocv" or "ffmpeg".
	Backend string `yaml:"backend"`
}

type VerifyConfig struct {
	Threshold float64 `yaml:"threshold"`
	// Separator splits identity from suffix in flat reference directories.
	Separator         string `yaml:"separator"`
	ReferencesCropped bool   `yaml:"references_cropped"`
}

type ModelConfig struct {
	// Embedder is "python" or "tflite".
	Embedder     string `yaml:"embedder"`
	InputSize    int    `yaml:"input_size"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	// KerasPath is loaded by the Python worker.
	KerasPath   string `yaml:"keras_path"`
	TFLitePath  string `yaml:"tflite_path"`
	Threads     int    `yaml:"threads"`
	CascadePath string `yaml:"cascade_path"`
	Python      string `yaml:"python"`
	Script      string `yaml:"worker_script"`
	// MaxFailures consecutive frames failing in the backend itself (a dead
	// worker, not a bad frame) stop verification. Zero never stops.
	MaxFailures int `yaml:"max_failures"`
}

type PathsConfig struct {
	Home         string `yaml:"home"`
	ReferenceDir string `yaml:"reference_dir"`
	OutputDir    string `yaml:"output_dir"`
}

type DatabaseConfig struct {
	// URL is empty when persistence is disabled.
	URL string `yaml:"url"`
}

type ControlConfig struct {
	// Addr is empty when the HTTP control server is disabled.
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	if home == "" {
		home = DefaultHome
	}
	cc := capture.DefaultConfig()
	return &Config{
		Camera: CameraConfig{
			Index:           cc.DeviceIndex,
			Width:           640,
			Height:          480,
			FPS:             30,
			MaxReadFailures: cc.MaxReadFailures,
			MaxRecoveries:   cc.MaxRecoveries,
			OpenRetries:     cc.OpenRetries,
			RetryDelay:      cc.RetryDelay,
			MaxRetryDelay:   cc.MaxRetryDelay,
			Backend:         "gocv",
		},
		Verify: VerifyConfig{
			Threshold: cc.Threshold,
			Separator: "__",
		},
		Model: ModelConfig{
			Embedder:     "python",
			InputSize:    cc.InputSize,
			EmbeddingDim: 64,
			KerasPath:    filepath.Join(home, "face_embedding_model_CLEAN.h5"),
			TFLitePath:   filepath.Join(home, "face_embedding_model.tflite"),
			Threads:      4,
			CascadePath:  "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
			Python:       "python3",
			Script:       "python/worker.py",
			MaxFailures:  cc.MaxBackendFailures,
		},
		Paths: PathsConfig{
			Home:         home,
			ReferenceDir: filepath.Join(home, "data_extracted", "ref", "short_references_final"),
			OutputDir:    filepath.Join(home, "output"),
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then the environment. A .env file in the working directory is
// loaded first when present; variables already set win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default(os.Getenv("APP_HOME"))
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the environment variables.
func (c *Config) ApplyEnv() error {
	var errs []error
	envInt("CAMERA_INDEX", &c.Camera.Index, &errs)
	envInt("FRAME_WIDTH", &c.Camera.Width, &errs)
	envInt("FRAME_HEIGHT", &c.Camera.Height, &errs)
	envInt("CAMERA_FPS", &c.Camera.FPS, &errs)
	envInt("MAX_READ_FAILURES", &c.Camera.MaxReadFailures, &errs)
	envInt("MAX_CAMERA_RECOVERIES", &c.Camera.MaxRecoveries, &errs)
	envInt("CAMERA_OPEN_RETRIES", &c.Camera.OpenRetries, &errs)
	envDuration("CAMERA_RETRY_DELAY", &c.Camera.RetryDelay, &errs)
	envDuration("CAMERA_MAX_RETRY_DELAY", &c.Camera.MaxRetryDelay, &errs)
	envString("CAMERA_BACKEND", &c.Camera.Backend)

	envFloat("VERIFICATION_THRESHOLD", &c.Verify.Threshold, &errs)
	envString("IDENTITY_SEPARATOR", &c.Verify.Separator)

	envString("EMBEDDER", &c.Model.Embedder)
	envInt("IMG_SIZE", &c.Model.InputSize, &errs)
	envInt("EMBEDDING_DIM", &c.Model.EmbeddingDim, &errs)
	envString("MODEL_PATH", &c.Model.KerasPath)
	envString("TFLITE_MODEL_PATH", &c.Model.TFLitePath)
	envInt("TFLITE_THREADS", &c.Model.Threads, &errs)
	envInt("BACKEND_MAX_FAILURES", &c.Model.MaxFailures, &errs)
	envString("CASCADE_PATH", &c.Model.CascadePath)
	envString("PYTHON", &c.Model.Python)
	envString("WORKER_SCRIPT", &c.Model.Script)

	envString("REFERENCE_DIR", &c.Paths.ReferenceDir)
	envString("OUTPUT_DIR", &c.Paths.OutputDir)
	envString("CONTROL_ADDR", &c.Control.Addr)
	envString("FACEGATE_LOG_LEVEL", &c.LogLevel)

	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}

	return errors.Join(errs...)
}

// Validate rejects values the capture loop cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Verify.Threshold <= 0 || math.IsNaN(c.Verify.Threshold) || math.IsInf(c.Verify.Threshold, 0):
		return fmt.Errorf("threshold must be a positive finite number, got %v", c.Verify.Threshold)
	case c.Model.InputSize <= 0:
		return fmt.Errorf("input size must be positive, got %d", c.Model.InputSize)
	case c.Model.MaxFailures < 0:
		return fmt.Errorf("max backend failures must not be negative, got %d", c.Model.MaxFailures)
	case c.Model.EmbeddingDim < 0:
		return fmt.Errorf("embedding dim must not be negative, got %d", c.Model.EmbeddingDim)
	case c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.FPS <= 0:
		return fmt.Errorf("invalid camera mode %dx%d@%d", c.Camera.Width, c.Camera.Height, c.Camera.FPS)
	case c.Camera.MaxReadFailures < 1:
		return fmt.Errorf("max read failures must be at least 1, got %d", c.Camera.MaxReadFailures)
	case c.Camera.MaxRecoveries < 0:
		return fmt.Errorf("max recoveries must not be negative, got %d", c.Camera.MaxRecoveries)
	case c.Camera.OpenRetries < 1:
		return fmt.Errorf("open retries must be at least 1, got %d", c.Camera.OpenRetries)
	case c.Camera.RetryDelay < 0:
		return fmt.Errorf("retry delay must not be negative, got %v", c.Camera.RetryDelay)
	case c.Camera.Backend != "gocv" && c.Camera.Backend != "ffmpeg":
		return fmt.Errorf("unknown camera backend %q (want gocv or ffmpeg)", c.Camera.Backend)
	case c.Model.Embedder != "python" && c.Model.Embedder != "tflite":
		return fmt.Errorf("unknown embedder %q (want python or tflite)", c.Model.Embedder)
	case c.Paths.ReferenceDir == "":
		return errors.New("reference directory is required")
	}
	return nil
}

// Capture converts the configuration into capture loop settings.
func (c *Config) Capture() capture.Config {
	cc := capture.DefaultConfig()
	cc.DeviceIndex = c.Camera.Index
	cc.Threshold = c.Verify.Threshold
	cc.InputSize = c.Model.InputSize
	cc.MaxReadFailures = c.Camera.MaxReadFailures
	cc.MaxRecoveries = c.Camera.MaxRecoveries
	cc.OpenRetries = c.Camera.OpenRetries
	cc.RetryDelay = c.Camera.RetryDelay
	cc.MaxRetryDelay = c.Camera.MaxRetryDelay
	cc.MaxBackendFailures = c.Model.MaxFailures
	return cc
}

// SnapshotDir is where snapshots are written.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Paths.OutputDir, "snapshots")
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

// envDuration accepts Go durations ("1.5s") or plain seconds ("2").
func envDuration(key string, dst *time.Duration, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, s))
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}
