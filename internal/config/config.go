package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the API and the print worker.
// Plotter settings are read once at startup and never change for the
// process lifetime.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool

	// Serial link.
	SerialPort      string
	SerialBaud      int
	SerialTimeout   time.Duration
	SerialLineDelay time.Duration
	SerialRetries   int
	DryRun          bool
	DryRunPath      string
	InvertZ         bool

	// Plotter bed extents in millimetres. The square capture canvas maps
	// onto [BedMinX,BedMaxX] x [BedMinY,BedMaxY].
	BedMinX float64
	BedMinY float64
	BedMaxX float64
	BedMaxY float64

	CanvasSize int
	FeedRate   int

	// Outline extraction.
	OutlineThreshold    int
	OutlineBlurSigma    float64
	ThinningPasses      int
	SimplifyTolerance   float64
	SmoothingIterations int
	MinMoveMM           float64

	// Image generation service.
	RenderEndpoint string
	RenderAPIKey   string
	RenderModel    string
	RenderTimeout  time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	WorkerPollInterval time.Duration
}

// Load reads configuration from environment variables with sane defaults for
// local development against a dry-run plotter.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ArtifactDir:         getEnv("ARTIFACT_DIR", "./storage"),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),

		SerialPort:      getEnv("PLOTTER_SERIAL_PORT", "/dev/ttyUSB0"),
		SerialBaud:      getEnvInt("PLOTTER_BAUDRATE", 115200),
		SerialTimeout:   getEnvDuration("PLOTTER_SERIAL_TIMEOUT", 10*time.Second),
		SerialLineDelay: getEnvDuration("PLOTTER_LINE_DELAY", 100*time.Millisecond),
		SerialRetries:   getEnvInt("PLOTTER_MAX_RETRY", 3),
		DryRun:          getEnvBool("PLOTTER_DRY_RUN", false),
		DryRunPath:      getEnv("PLOTTER_DRY_RUN_PATH", "./storage/dryrun.txt"),
		InvertZ:         getEnvBool("PLOTTER_INVERT_Z", false),

		BedMinX: getEnvFloat("PLOTTER_BED_MIN_X", 0),
		BedMinY: getEnvFloat("PLOTTER_BED_MIN_Y", 0),
		BedMaxX: getEnvFloat("PLOTTER_BED_MAX_X", 100),
		BedMaxY: getEnvFloat("PLOTTER_BED_MAX_Y", 100),

		CanvasSize: getEnvInt("PLOTTER_CANVAS_SIZE", 400),
		FeedRate:   getEnvInt("PLOTTER_FEED_RATE", 8000),

		OutlineThreshold:    getEnvInt("OUTLINE_THRESHOLD", 200),
		OutlineBlurSigma:    getEnvFloat("OUTLINE_BLUR_SIGMA", 0.3),
		ThinningPasses:      getEnvInt("OUTLINE_THINNING_PASSES", 8),
		SimplifyTolerance:   getEnvFloat("OUTLINE_SIMPLIFY_MM", 0.1),
		SmoothingIterations: getEnvInt("OUTLINE_SMOOTHING_ITERATIONS", 2),
		MinMoveMM:           getEnvFloat("OUTLINE_MIN_MOVE_MM", 0.05),

		RenderEndpoint: getEnv("RENDER_ENDPOINT", "https://api.openai.com/v1/images/generations"),
		RenderAPIKey:   getEnv("RENDER_API_KEY", ""),
		RenderModel:    getEnv("RENDER_MODEL", "gpt-image-1"),
		RenderTimeout:  getEnvDuration("RENDER_TIMEOUT", 60*time.Second),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.2),

		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
