package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	DatabaseURL     string
	DBSchema        string
	RedisAddr       string
	RabbitMQURL     string
	AllowOrigins    string
	ExternalBaseURL string

	// Container host reachable from the broker. Proxied traffic is sent to
	// DockerHostAddr:<session host port>.
	DockerHostAddr  string
	ContainerScheme string
	ContainerPort   int
	PortMin         int
	PortMax         int
	FolderRoot      string
	VNCUser         string
	VNCPassword     string
	ShmSizeBytes    int64
	MemoryBytes     int64
	NanoCPUs        int64

	IdleTimeout      time.Duration
	ReaperInterval   time.Duration
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
	RuntimeTimeout   time.Duration
	PullRetention    time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatalf("DATABASE_URL env var required")
	}

	cfg := &Config{
		Port:             getEnv("BROKER_PORT", "8080"),
		DatabaseURL:      databaseURL,
		DBSchema:         getEnv("DB_SCHEMA", "desktops"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		AllowOrigins:     getEnv("ALLOW_ORIGINS", "http://localhost:3000"),
		ExternalBaseURL:  getEnv("EXTERNAL_BASE_URL", "http://localhost:8080"),
		DockerHostAddr:   getEnv("DOCKER_HOST_ADDR", "127.0.0.1"),
		ContainerScheme:  getEnv("CONTAINER_SCHEME", "https"),
		ContainerPort:    getEnvInt("CONTAINER_PORT", 6901),
		PortMin:          getEnvInt("PORT_RANGE_MIN", 7000),
		PortMax:          getEnvInt("PORT_RANGE_MAX", 7999),
		FolderRoot:       getEnv("ASSIGNMENT_FOLDER_ROOT", "/srv/desktop-folders"),
		VNCUser:          getEnv("VNC_USER", "kasm_user"),
		VNCPassword:      getEnv("VNC_PASSWORD", "password"),
		ShmSizeBytes:     getEnvInt64("CONTAINER_SHM_BYTES", 512*1024*1024),
		MemoryBytes:      getEnvInt64("CONTAINER_MEMORY_BYTES", 0),
		NanoCPUs:         getEnvInt64("CONTAINER_NANO_CPUS", 0),
		IdleTimeout:      getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		ReaperInterval:   getEnvDuration("REAPER_INTERVAL", time.Minute),
		CleanupRetention: getEnvDuration("CLEANUP_RETENTION", time.Hour),
		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),
		RuntimeTimeout:   getEnvDuration("RUNTIME_TIMEOUT", 60*time.Second),
		PullRetention:    getEnvDuration("PULL_JOB_RETENTION", 5*time.Minute),
	}

	if cfg.PortMin > cfg.PortMax {
		log.Fatalf("invalid port range: PORT_RANGE_MIN %d > PORT_RANGE_MAX %d", cfg.PortMin, cfg.PortMax)
	}
	if cfg.RabbitMQURL == "" {
		log.Println("RABBITMQ_URL not set, status events will not be published to the bus")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	log.Printf("%s not set, using default %s", key, fallback)
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		log.Printf("%s not set, using default %d", key, fallback)
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		log.Printf("%s not set, using default %d", key, fallback)
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		log.Printf("%s not set, using default %s", key, fallback)
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}
