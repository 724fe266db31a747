package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	SwarmDataDir    string
	SwarmMaxConns   int
	MetadataTimeout time.Duration
	IdleGrace       time.Duration
	BufferTimeout   time.Duration
	WatcherTTL      time.Duration

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	FFmpegPath            string
	FFprobePath           string
	TranscodeMaxProcs     int
	TranscodeAcquireWait  time.Duration
	TranscodeStartupWait  time.Duration
	TranscodeReleaseGrace time.Duration
	TranscodeMaxRuntime   time.Duration
	TranscodePreset       string
	TranscodeCRF          int
	TranscodeAudioBitrate string

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint    string
	TraceSampleRate float64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
		SwarmDataDir:    getEnv("SWARM_DATA_DIR", "data"),
		SwarmMaxConns:   int(getEnvInt64("SWARM_MAX_CONNS", 35)),
		MetadataTimeout: getEnvDuration("METADATA_TIMEOUT", 60*time.Second),
		IdleGrace:       getEnvDuration("STREAM_IDLE_GRACE", 30*time.Second),
		BufferTimeout:   getEnvDuration("STREAM_BUFFER_TIMEOUT", 45*time.Second),
		WatcherTTL:      getEnvDuration("WATCHER_TTL", 5*time.Minute),

		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DB", "swarmstream"),
		MongoCollection: getEnv("MONGO_COLLECTION", "catalog"),

		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		TranscodeMaxProcs:     int(getEnvInt64("TRANSCODE_MAX_PROCS", 4)),
		TranscodeAcquireWait:  getEnvDuration("TRANSCODE_ACQUIRE_TIMEOUT", 5*time.Second),
		TranscodeStartupWait:  getEnvDuration("TRANSCODE_STARTUP_TIMEOUT", 45*time.Second),
		TranscodeReleaseGrace: getEnvDuration("TRANSCODE_RELEASE_GRACE", 10*time.Second),
		TranscodeMaxRuntime:   getEnvDuration("TRANSCODE_MAX_RUNTIME", 4*time.Hour),
		TranscodePreset:       getEnv("TRANSCODE_PRESET", "veryfast"),
		TranscodeCRF:          int(getEnvInt64("TRANSCODE_CRF", 23)),
		TranscodeAudioBitrate: getEnv("TRANSCODE_AUDIO_BITRATE", "192k"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: int(getEnvInt64("RATE_LIMIT_BURST", 100)),

		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRate: getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration syntax ("45s", "2m") or a bare number
// of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
