package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default("/srv/facegate")
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if c.Verify.Threshold != 0.6 || c.Model.InputSize != 128 || c.Model.EmbeddingDim != 64 {
		t.Errorf("unexpected model defaults %+v %+v", c.Verify, c.Model)
	}
	if c.Camera.Width != 640 || c.Camera.Height != 480 || c.Camera.FPS != 30 {
		t.Errorf("unexpected camera mode %+v", c.Camera)
	}
	want := filepath.Join("/srv/facegate", "data_extracted", "ref", "short_references_final")
	if c.Paths.ReferenceDir != want {
		t.Errorf("expected reference dir %s, got %s", want, c.Paths.ReferenceDir)
	}
	if Default("").Paths.Home != DefaultHome {
		t.Error("empty home should fall back to DefaultHome")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	yml := `
camera:
  index: 2
  retry_delay: 250ms
verify:
  threshold: 0.45
model:
  embedder: tflite
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	c := Default("/app")
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if c.Camera.Index != 2 || c.Camera.RetryDelay != 250*time.Millisecond {
		t.Errorf("camera settings not applied: %+v", c.Camera)
	}
	if c.Verify.Threshold != 0.45 || c.Model.Embedder != "tflite" {
		t.Errorf("unexpected overlay result %+v %+v", c.Verify, c.Model)
	}
	// Keys absent from the file keep their defaults
	if c.Camera.OpenRetries != 5 || c.Model.InputSize != 128 {
		t.Errorf("defaults lost: %+v", c.Camera)
	}
}

func TestLoadFileErrors(t *testing.T) {
	c := Default("/app")
	if err := c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("camera: [not, a, map"), 0644)
	if err := c.LoadFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CAMERA_INDEX", "1")
	t.Setenv("VERIFICATION_THRESHOLD", "0.75")
	t.Setenv("IMG_SIZE", "96")
	t.Setenv("CAMERA_RETRY_DELAY", "2")
	t.Setenv("REFERENCE_DIR", "/refs")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "face")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facegate")
	t.Setenv("POSTGRES_PORT", "")

	c := Default("/app")
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if c.Camera.Index != 1 || c.Verify.Threshold != 0.75 || c.Model.InputSize != 96 {
		t.Errorf("env not applied: %+v %+v %+v", c.Camera, c.Verify, c.Model)
	}
	if c.Camera.RetryDelay != 2*time.Second {
		t.Errorf("expected plain seconds to parse, got %v", c.Camera.RetryDelay)
	}
	if c.Paths.ReferenceDir != "/refs" {
		t.Errorf("expected /refs, got %s", c.Paths.ReferenceDir)
	}
	if c.Database.URL != "postgres://face:secret@db:5432/facegate" {
		t.Errorf("unexpected database URL %s", c.Database.URL)
	}

	cc := c.Capture()
	if cc.DeviceIndex != 1 || cc.Threshold != 0.75 || cc.InputSize != 96 || cc.RetryDelay != 2*time.Second {
		t.Errorf("capture config not derived: %+v", cc)
	}
}

func TestApplyEnvDatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/facegate")
	t.Setenv("POSTGRES_HOST", "db")

	c := Default("/app")
	if err := c.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if c.Database.URL != "postgres://localhost/facegate" {
		t.Errorf("expected DATABASE_URL to win, got %s", c.Database.URL)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Setenv("CAMERA_INDEX", "front")
	t.Setenv("VERIFICATION_THRESHOLD", "tight")
	t.Setenv("CAMERA_RETRY_DELAY", "soon")

	err := Default("/app").ApplyEnv()
	if err == nil {
		t.Fatal("expected error for invalid values")
	}
	for _, key := range []string{"CAMERA_INDEX", "VERIFICATION_THRESHOLD", "CAMERA_RETRY_DELAY"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.Verify.Threshold = 0 }},
		{"negative threshold", func(c *Config) { c.Verify.Threshold = -0.1 }},
		{"NaN threshold", func(c *Config) { c.Verify.Threshold = math.NaN() }},
		{"infinite threshold", func(c *Config) { c.Verify.Threshold = math.Inf(1) }},
		{"negative backend failures", func(c *Config) { c.Model.MaxFailures = -1 }},
		{"zero input size", func(c *Config) { c.Model.InputSize = 0 }},
		{"zero read failures", func(c *Config) { c.Camera.MaxReadFailures = 0 }},
		{"negative recoveries", func(c *Config) { c.Camera.MaxRecoveries = -1 }},
		{"zero open retries", func(c *Config) { c.Camera.OpenRetries = 0 }},
		{"zero width", func(c *Config) { c.Camera.Width = 0 }},
		{"unknown backend", func(c *Config) { c.Camera.Backend = "v4l" }},
		{"unknown embedder", func(c *Config) { c.Model.Embedder = "onnx" }},
		{"no references", func(c *Config) { c.Paths.ReferenceDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default("/app")
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNaNThresholdFromEnv(t *testing.T) {
	// ParseFloat accepts "NaN", so only Validate can catch it
	t.Setenv("VERIFICATION_THRESHOLD", "NaN")
	c := Default("/app")
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Error("expected a NaN threshold to be rejected")
	}
}

func TestCaptureBackendFailures(t *testing.T) {
	t.Setenv("BACKEND_MAX_FAILURES", "12")
	c := Default("/app")
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if got := c.Capture().MaxBackendFailures; got != 12 {
		t.Errorf("MaxBackendFailures = %d, want 12", got)
	}
}
