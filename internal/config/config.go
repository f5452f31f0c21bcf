// Package config loads the robot configuration.
//
// Sources, lowest to highest precedence: built-in defaults, a YAML file
// (-config or GUARDDOG_CONFIG), GUARDDOG_* environment variables, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GUARDDOG_"

// Config holds the configuration of the guarddog controller.
type Config struct {
	// RobotID identifies this robot to the operator system (e.g., "chien-001")
	RobotID string `yaml:"robot_id" env:"ROBOT_ID"`

	// StartOffline starts patrolling without waiting for the operator link
	StartOffline bool `yaml:"start_offline" env:"START_OFFLINE"`

	// MQTTClientID is derived from RobotID
	MQTTClientID string `yaml:"-"`

	MQTT struct {
		BrokerURL   string `yaml:"broker" env:"BROKER"`
		TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	} `yaml:"mqtt" envPrefix:"MQTT_"`

	Redis struct {
		// Addr is empty when the journal is disabled
		Addr         string `yaml:"addr" env:"ADDR"`
		Password     string `yaml:"password" env:"PASSWORD"`
		StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	} `yaml:"redis" envPrefix:"REDIS_"`

	Camera struct {
		URL string `yaml:"url" env:"URL"`
		FPS int    `yaml:"fps" env:"FPS"`
	} `yaml:"camera" envPrefix:"CAMERA_"`

	Classifier struct {
		// Backend is "http" (face API) or "ollama"
		Backend     string        `yaml:"backend" env:"BACKEND"`
		URL         string        `yaml:"url" env:"URL"`
		OllamaHost  string        `yaml:"ollama_host" env:"OLLAMA_HOST"`
		OllamaModel string        `yaml:"ollama_model" env:"OLLAMA_MODEL"`
		Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	} `yaml:"classifier" envPrefix:"CLASSIFIER_"`

	Detection struct {
		TargetLabel         string  `yaml:"target_label" env:"TARGET_LABEL"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
		FrameSkip           int     `yaml:"frame_skip" env:"FRAME_SKIP"`
		StreakThreshold     int     `yaml:"streak_threshold" env:"STREAK_THRESHOLD"`
	} `yaml:"detection" envPrefix:"DETECTION_"`

	Patrol struct {
		DangerDistanceCm float64       `yaml:"danger_distance_cm" env:"DANGER_DISTANCE_CM"`
		AlertDuration    time.Duration `yaml:"alert_duration" env:"ALERT_DURATION"`
		Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	} `yaml:"patrol" envPrefix:"PATROL_"`

	Serial struct {
		// Port is empty when running without a body
		Port     string `yaml:"port" env:"PORT"`
		BaudRate int    `yaml:"baud_rate" env:"BAUD_RATE"`
	} `yaml:"serial" envPrefix:"SERIAL_"`

	Minio struct {
		// Endpoint is empty when snapshot archiving is disabled
		Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"BUCKET"`
		UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	} `yaml:"minio" envPrefix:"MINIO_"`

	WorkerStopTimeout time.Duration `yaml:"worker_stop_timeout" env:"WORKER_STOP_TIMEOUT"`
	LinkTimeout       time.Duration `yaml:"link_timeout" env:"LINK_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	HTTPPort          string        `yaml:"http_port" env:"HTTP_PORT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{RobotID: "chien-001"}

	cfg.MQTT.BrokerURL = "tcp://127.0.0.1:1883"
	cfg.MQTT.TopicPrefix = "guarddog/robots"
	cfg.Redis.StreamPrefix = "guarddog"
	cfg.Camera.FPS = 10
	cfg.Classifier.Backend = "http"
	cfg.Classifier.URL = "http://52.210.72.244/api/dogguard/genre/detection"
	cfg.Classifier.OllamaHost = "http://localhost:11434"
	cfg.Classifier.OllamaModel = "llava"
	cfg.Classifier.Timeout = 10 * time.Second
	cfg.Detection.TargetLabel = "Man"
	cfg.Detection.ConfidenceThreshold = 85
	cfg.Detection.FrameSkip = 48
	cfg.Detection.StreakThreshold = 2
	cfg.Patrol.DangerDistanceCm = 20
	cfg.Patrol.AlertDuration = 3 * time.Second
	cfg.Patrol.Interval = time.Second
	cfg.Serial.BaudRate = 115200
	cfg.Minio.Bucket = "guarddog-snapshots"
	cfg.WorkerStopTimeout = 5 * time.Second
	cfg.LinkTimeout = 10 * time.Second
	cfg.HeartbeatInterval = 5 * time.Second
	cfg.ShutdownTimeout = 15 * time.Second
	cfg.HTTPPort = "8081"

	return cfg
}

// Load builds the configuration from args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	configPath, err := configFileFlag(args)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "CONFIG")
	}

	cfg := Default()
	if configPath != "" {
		if err := cfg.loadYAML(configPath); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Flags are bound with the merged values as defaults, so only explicit flags override.
	fs := flag.NewFlagSet("guarddog", flag.ContinueOnError)
	var ignored string
	fs.StringVar(&ignored, "config", configPath, "YAML config file")
	bindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.MQTTClientID = fmt.Sprintf("guarddog-%s", cfg.RobotID)
	return cfg, nil
}

// configFileFlag finds -config in args without touching any other value.
func configFileFlag(args []string) (string, error) {
	fs := flag.NewFlagSet("guarddog", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var path string
	fs.StringVar(&path, "config", "", "")
	bindFlags(fs, Default())

	if err := fs.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return "", err
	}
	return path, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.RobotID, "robot-id", cfg.RobotID, "Robot identifier")
	fs.BoolVar(&cfg.StartOffline, "start-offline", cfg.StartOffline, "Patrol without waiting for the operator link")

	fs.StringVar(&cfg.MQTT.BrokerURL, "mqtt-broker", cfg.MQTT.BrokerURL, "MQTT broker URL")
	fs.StringVar(&cfg.MQTT.TopicPrefix, "topic-prefix", cfg.MQTT.TopicPrefix, "MQTT topic prefix")

	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address for the event journal (empty disables)")
	fs.StringVar(&cfg.Redis.Password, "redis-password", cfg.Redis.Password, "Redis password (empty if none)")
	fs.StringVar(&cfg.Redis.StreamPrefix, "stream-prefix", cfg.Redis.StreamPrefix, "Redis key prefix")

	fs.StringVar(&cfg.Camera.URL, "camera-url", cfg.Camera.URL, "JPEG snapshot URL of the camera")
	fs.IntVar(&cfg.Camera.FPS, "camera-fps", cfg.Camera.FPS, "Camera polling rate")

	fs.StringVar(&cfg.Classifier.Backend, "classifier", cfg.Classifier.Backend, "Classifier backend: http or ollama")
	fs.StringVar(&cfg.Classifier.URL, "classifier-url", cfg.Classifier.URL, "Face detection API URL")
	fs.StringVar(&cfg.Classifier.OllamaHost, "ollama-host", cfg.Classifier.OllamaHost, "Ollama server URL")
	fs.StringVar(&cfg.Classifier.OllamaModel, "ollama-model", cfg.Classifier.OllamaModel, "Ollama vision model")
	fs.DurationVar(&cfg.Classifier.Timeout, "classifier-timeout", cfg.Classifier.Timeout, "Classification request timeout")

	fs.StringVar(&cfg.Detection.TargetLabel, "target-label", cfg.Detection.TargetLabel, "Category that raises the alert")
	fs.Float64Var(&cfg.Detection.ConfidenceThreshold, "confidence-threshold", cfg.Detection.ConfidenceThreshold, "Minimum confidence in percent (exclusive)")
	fs.IntVar(&cfg.Detection.FrameSkip, "frame-skip", cfg.Detection.FrameSkip, "Classify every Nth frame")
	fs.IntVar(&cfg.Detection.StreakThreshold, "streak-threshold", cfg.Detection.StreakThreshold, "Consecutive positives needed to trigger")

	fs.Float64Var(&cfg.Patrol.DangerDistanceCm, "danger-distance-cm", cfg.Patrol.DangerDistanceCm, "Obstacle distance that triggers the danger reaction")
	fs.DurationVar(&cfg.Patrol.AlertDuration, "alert-duration", cfg.Patrol.AlertDuration, "Danger reaction duration")
	fs.DurationVar(&cfg.Patrol.Interval, "patrol-interval", cfg.Patrol.Interval, "Patrol loop interval")

	fs.StringVar(&cfg.Serial.Port, "serial-port", cfg.Serial.Port, "Body controller serial port (empty for no body)")
	fs.IntVar(&cfg.Serial.BaudRate, "baud-rate", cfg.Serial.BaudRate, "Body controller baud rate")

	fs.StringVar(&cfg.Minio.Endpoint, "minio-endpoint", cfg.Minio.Endpoint, "MinIO endpoint host:port (empty disables snapshots)")
	fs.StringVar(&cfg.Minio.AccessKey, "minio-access-key", cfg.Minio.AccessKey, "MinIO access key")
	fs.StringVar(&cfg.Minio.SecretKey, "minio-secret-key", cfg.Minio.SecretKey, "MinIO secret key")
	fs.StringVar(&cfg.Minio.Bucket, "minio-bucket", cfg.Minio.Bucket, "Snapshot bucket")
	fs.BoolVar(&cfg.Minio.UseSSL, "minio-ssl", cfg.Minio.UseSSL, "Use TLS for MinIO")

	fs.DurationVar(&cfg.WorkerStopTimeout, "worker-stop-timeout", cfg.WorkerStopTimeout, "Bounded wait when stopping a worker")
	fs.DurationVar(&cfg.LinkTimeout, "link-timeout", cfg.LinkTimeout, "Link outage tolerated before holding the body")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat interval")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown deadline")
	fs.StringVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "Health endpoint HTTP port")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.RobotID == "" {
		return fmt.Errorf("--robot-id is required")
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("--mqtt-broker is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("--topic-prefix is required")
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("--camera-fps must be positive")
	}

	switch c.Classifier.Backend {
	case "http":
		if c.Classifier.URL == "" {
			return fmt.Errorf("--classifier-url is required for the http classifier")
		}
	case "ollama":
		if c.Classifier.OllamaHost == "" || c.Classifier.OllamaModel == "" {
			return fmt.Errorf("--ollama-host and --ollama-model are required for the ollama classifier")
		}
	default:
		return fmt.Errorf("--classifier must be http or ollama, got %q", c.Classifier.Backend)
	}

	if c.Detection.TargetLabel == "" {
		return fmt.Errorf("--target-label is required")
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold >= 100 {
		return fmt.Errorf("--confidence-threshold must be in [0, 100)")
	}
	if c.Detection.FrameSkip <= 0 {
		return fmt.Errorf("--frame-skip must be positive")
	}
	if c.Detection.StreakThreshold < 2 {
		return fmt.Errorf("--streak-threshold must be at least 2")
	}
	if c.Patrol.DangerDistanceCm <= 0 {
		return fmt.Errorf("--danger-distance-cm must be positive")
	}

	for _, d := range []struct {
		flag  string
		value time.Duration
	}{
		{"--classifier-timeout", c.Classifier.Timeout},
		{"--alert-duration", c.Patrol.AlertDuration},
		{"--patrol-interval", c.Patrol.Interval},
		{"--worker-stop-timeout", c.WorkerStopTimeout},
		{"--link-timeout", c.LinkTimeout},
		{"--heartbeat-interval", c.HeartbeatInterval},
		{"--shutdown-timeout", c.ShutdownTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.flag)
		}
	}

	if c.Serial.Port != "" && c.Serial.BaudRate <= 0 {
		return fmt.Errorf("--baud-rate must be positive")
	}
	if c.Minio.Endpoint != "" && c.Minio.Bucket == "" {
		return fmt.Errorf("--minio-bucket is required when --minio-endpoint is set")
	}
	return nil
}
