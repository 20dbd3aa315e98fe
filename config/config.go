package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Config is the service configuration. Every field can come from a flag or an
// environment variable; flags win.
type Config struct {
	HTTPAddress  string `env:"WASTE_HTTP_ADDRESS" default:":8000" help:"Bind address for the REST API" group:"api"`
	GRPCAddress  string `env:"WASTE_GRPC_ADDRESS" default:":8008" help:"Bind address for the gRPC API, empty disables it" group:"api"`
	UploadLimit  int    `env:"WASTE_UPLOAD_LIMIT_MB" default:"10" help:"Maximum upload size in MB" group:"api"`
	CORSOrigins  string `env:"WASTE_CORS_ORIGINS" default:"*" help:"Comma separated list of allowed CORS origins" group:"api"`
	UploadDir    string `env:"WASTE_UPLOAD_DIR" type:"path" default:"uploads" help:"Directory for original uploads" group:"storage"`
	ProcessedDir string `env:"WASTE_PROCESSED_DIR" type:"path" default:"processed" help:"Directory for annotated images" group:"storage"`
	DBDriver     string `env:"WASTE_DB_DRIVER" default:"sqlite" enum:"sqlite,postgres" help:"Database driver (sqlite, postgres)" group:"storage"`
	DBDSN        string `env:"WASTE_DB_DSN" default:"waste.db" help:"Database DSN or sqlite file" group:"storage"`

	ModelBackend  string        `env:"WASTE_MODEL_BACKEND" default:"onnx" enum:"onnx,remote,none" help:"Segmentation backend (onnx, remote, none)" group:"model"`
	ModelPath     string        `env:"WASTE_MODEL_PATH" default:"../train5_11.onnx" help:"YOLO segmentation model exported to ONNX" group:"model"`
	ONNXLibrary   string        `env:"WASTE_ONNX_LIBRARY" help:"Path to the onnxruntime shared library" group:"model"`
	InputSize     int           `env:"WASTE_MODEL_INPUT_SIZE" default:"640" help:"Square model input size" group:"model"`
	Classes       []string      `env:"WASTE_MODEL_CLASSES" default:"waste" help:"Class names in model order" group:"model"`
	ConfThreshold float32       `env:"WASTE_CONF_THRESHOLD" default:"0.25" help:"Minimum detection confidence" group:"model"`
	IOUThreshold  float32       `env:"WASTE_IOU_THRESHOLD" default:"0.7" help:"NMS overlap threshold" group:"model"`
	SessionPool   int           `env:"WASTE_SESSION_POOL" default:"2" help:"Concurrent ONNX sessions" group:"model"`
	RemoteURL     string        `env:"WASTE_REMOTE_URL" default:"http://localhost:9000" help:"Base URL of the segmentation sidecar" group:"model"`
	RemoteTimeout time.Duration `env:"WASTE_REMOTE_TIMEOUT" default:"30s" help:"Timeout for sidecar requests" group:"model"`

	LogLevel  string `env:"WASTE_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level" group:"logging"`
	LogFormat string `env:"WASTE_LOG_FORMAT" default:"json" enum:"json,console" help:"Log format" group:"logging"`
}

// LoadEnv reads .env files into the environment. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load parses args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser, err := kong.New(cfg,
		kong.Name("waste-inference-service"),
		kong.Description("Segments waste in uploaded photos and reports area, volume and severity."),
		kong.UsageOnError(),
	)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values kong cannot express in tags.
func (c *Config) Validate() error {
	if c.UploadLimit <= 0 {
		return fmt.Errorf("upload limit must be positive, got %d", c.UploadLimit)
	}
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		return fmt.Errorf("model input size must be a positive multiple of 32, got %d", c.InputSize)
	}
	if c.ConfThreshold <= 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0, 1], got %v", c.ConfThreshold)
	}
	if c.IOUThreshold <= 0 || c.IOUThreshold > 1 {
		return fmt.Errorf("IoU threshold must be in (0, 1], got %v", c.IOUThreshold)
	}
	if c.SessionPool < 1 {
		return fmt.Errorf("session pool must be at least 1, got %d", c.SessionPool)
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("at least one model class is required")
	}
	if c.ModelBackend == "remote" && c.RemoteURL == "" {
		return fmt.Errorf("remote backend needs WASTE_REMOTE_URL")
	}
	return nil
}
