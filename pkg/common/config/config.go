package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort         string
	ServerHost         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	MaxUploadBytes     int64
	UploadValidateWait time.Duration
	CORSAllowedOrigin  string
	UploadRateLimit    int // uploads per second, 0 disables

	// Storage
	StorageRoot string
	JobStore    string // file | postgres
	LogFile     string

	// Postgres
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis status cache
	StatusCacheEnabled bool
	StatusCacheTTL     time.Duration
	RedisHost          string
	RedisPort          string
	RedisPassword      string
	RedisDB            int

	// Kafka job events
	JobEventsEnabled bool
	KafkaBrokers     []string
	KafkaGroupID     string
	JobEventsTopic   string
	EventArchivePath string

	// External tools
	FFmpegPath       string
	FFprobePath      string
	ProbeTimeout     time.Duration
	TrainerPython    string
	TrainerRepo      string
	TrainerScript    string
	TrainerExtraArgs []string
	ExportCommand    []string
	ExportTimeout    time.Duration
	ProcessKillGrace time.Duration
	OutputTailBytes  int

	// Video limits
	AllowedExtensions  []string
	MinVideoDuration   float64
	MaxVideoDuration   float64
	MinVideoResolution int
	MaxVideoResolution int
	MinFrames          int
	MaxFramesAdvisory  int

	// Scheduling
	TrainingSlots int

	// Presets
	PresetsFile string

	// Client
	APIBaseURL        string
	ClientTimeout     time.Duration
	ClientRetryCount  int
	ClientRetryBaseMs int
}

func Load() *Config {
	root := getEnv("STORAGE_ROOT", "./storage")
	trainerRepo := getEnv("TRAINER_REPO", "/opt/LongSplat")

	return &Config{
		ServerPort:         getEnv("SERVER_PORT", "8000"),
		ServerHost:         getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:        getDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:       getDuration("WRITE_TIMEOUT", 10*time.Minute),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxUploadBytes:     int64(getIntEnv("MAX_UPLOAD_BYTES", 500*1024*1024)),
		UploadValidateWait: getDuration("UPLOAD_VALIDATE_WAIT", 15*time.Second),
		CORSAllowedOrigin:  getEnv("CORS_ALLOWED_ORIGIN", "*"),
		UploadRateLimit:    getIntEnv("UPLOAD_RATE_LIMIT", 2),

		StorageRoot: root,
		JobStore:    strings.ToLower(getEnv("JOB_STORE", "file")),
		LogFile:     getEnv("LOG_FILE", filepath.Join(root, "logs", "app.log")),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "splat"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "splat"),
		PostgresDB:       getEnv("POSTGRES_DB", "reconstruction"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		StatusCacheEnabled: getBoolEnv("STATUS_CACHE_ENABLED", false),
		StatusCacheTTL:     getDuration("STATUS_CACHE_TTL", 10*time.Minute),
		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          getEnv("REDIS_PORT", "6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getIntEnv("REDIS_DB", 0),

		JobEventsEnabled: getBoolEnv("JOB_EVENTS_ENABLED", false),
		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "reconstruction-service"),
		JobEventsTopic:   getEnv("JOB_EVENTS_TOPIC", "reconstruction.job-events"),
		EventArchivePath: getEnv("EVENT_ARCHIVE_PATH", filepath.Join(root, "logs", "job-events.jsonl.gz")),

		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
		ProbeTimeout:     getDuration("PROBE_TIMEOUT", 30*time.Second),
		TrainerPython:    getEnv("TRAINER_PYTHON", "python3"),
		TrainerRepo:      trainerRepo,
		TrainerScript:    getEnv("TRAINER_SCRIPT", filepath.Join(trainerRepo, "train.py")),
		TrainerExtraArgs: getFieldsEnv("TRAINER_EXTRA_ARGS", []string{"--init_frame_num", "2", "--window_size", "3"}),
		ExportCommand:    getFieldsEnv("EXPORT_COMMAND", nil),
		ExportTimeout:    getDuration("EXPORT_TIMEOUT", 30*time.Minute),
		ProcessKillGrace: getDuration("PROCESS_KILL_GRACE", 10*time.Second),
		OutputTailBytes:  getIntEnv("OUTPUT_TAIL_BYTES", 64*1024),

		AllowedExtensions:  getStringSliceEnv("ALLOWED_EXTENSIONS", []string{".mp4", ".mov"}),
		MinVideoDuration:   getFloatEnv("MIN_VIDEO_DURATION", 5),
		MaxVideoDuration:   getFloatEnv("MAX_VIDEO_DURATION", 300),
		MinVideoResolution: getIntEnv("MIN_VIDEO_RESOLUTION", 480),
		MaxVideoResolution: getIntEnv("MAX_VIDEO_RESOLUTION", 3840),
		MinFrames:          getIntEnv("MIN_FRAMES", 10),
		MaxFramesAdvisory:  getIntEnv("MAX_FRAMES_ADVISORY", 500),

		TrainingSlots: getIntEnv("TRAINING_SLOTS", 1),

		PresetsFile: getEnv("PRESETS_FILE", ""),

		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8000"),
		ClientTimeout:     getDuration("CLIENT_TIMEOUT", 5*time.Minute),
		ClientRetryCount:  getIntEnv("CLIENT_RETRY_COUNT", 3),
		ClientRetryBaseMs: getIntEnv("CLIENT_RETRY_BASE_MS", 200),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// comma separated
func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// whitespace separated, for argument lists
func getFieldsEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
