// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // topic carrying delivery tasks
	DLQTopic       string // dead letter topic
	WorkerChannel  string // channel name for delivery workers
}

type Engine struct {
	MaxAttempts    int           // default attempts per delivery
	Timeout        time.Duration // per-attempt HTTP timeout
	BackoffBase    time.Duration // first retry delay
	BackoffMax     time.Duration // backoff ceiling
	AllowLocalhost bool          // relax the loopback check (test envs only)
	PublishDLQ     bool          // publish terminal failures to the DLQ topic
}

type Ingest struct {
	HTTPPort     string // ingest API listen address
	JWTPublicKey string // PEM-encoded RSA public key; empty disables auth
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN     int           // number of requests to fail with 500 first
	EndpointSecret string        // secret for signature verification
	LeewaySeconds  int           // allowed timestamp skew
	Port           string        // listen address
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type Config struct {
	AppName      string
	WorkerPort   string // worker health/metrics listen address
	DB           DB
	NSQ          NSQ
	Engine       Engine
	Ingest       Ingest
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// FromEnv builds a Config from environment variables with defaults.
func FromEnv() Config {
	return Config{
		AppName:    getenv("APP_NAME", "signalhook"),
		WorkerPort: ":" + getenv("WORKER_HTTP_PORT", "8082"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "signalhook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "notifications"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "notifications_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "deliveries"),
		},
		Engine: Engine{
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 3),
			Timeout:        getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			BackoffBase:    getenvDuration("BACKOFF_BASE", time.Second),
			BackoffMax:     getenvDuration("BACKOFF_MAX", 30*time.Second),
			AllowLocalhost: getenvBool("ALLOW_LOCALHOST_DESTINATIONS", false),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Ingest: Ingest{
			HTTPPort:     ":" + getenv("INGEST_HTTP_PORT", "8080"),
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "signalhook"),
			JWTAudience:  getenv("JWT_AUDIENCE", "signalhook-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:     getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret: getenv("ENDPOINT_SECRET", ""),
			LeewaySeconds:  getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			Port:           getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:    getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
		},
	}
}

// DSN returns the Postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
