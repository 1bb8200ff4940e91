package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Env struct {
	AppPort               int
	AppName               string
	AppLogLevel           string
	AppEnv                string
	APIAuthToken          string
	IdempotencyTTLSeconds int64
	EtcdEndpoints         []string
	EtcdUsername          string
	EtcdPassword          string
	EtcdTimeout           time.Duration
	UseMockAdapters       bool

	BackendBaseURL       string
	BackendTimeout       time.Duration
	ReconcileInterval    time.Duration
	CheckpointDebounce   time.Duration
	BlockAllResources    bool
	ProcessingViewPath   string
	FutureStartTolerance time.Duration
	TwinTolerance        time.Duration
}

var (
	initialized bool
	once        sync.Once
	instance    Env
	initError   error
)

func Load() (Env, error) {
	port := 8080
	if raw := strings.TrimSpace(os.Getenv("APP_PORT")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 {
			return Env{}, fmt.Errorf("invalid APP_PORT: %q", raw)
		}
		port = p
	}

	timeout := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("ETCD_TIMEOUT_SECONDS")); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec <= 0 {
			return Env{}, fmt.Errorf("invalid ETCD_TIMEOUT_SECONDS: %q", raw)
		}
		timeout = time.Duration(sec) * time.Second
	}

	useMock := true
	if raw := strings.TrimSpace(os.Getenv("USE_MOCK_ADAPTERS")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Env{}, fmt.Errorf("invalid USE_MOCK_ADAPTERS: %q", raw)
		}
		useMock = v
	}

	endpoints := []string{"127.0.0.1:2379"}
	if raw := strings.TrimSpace(os.Getenv("ETCD_ENDPOINTS")); raw != "" {
		endpoints = parseEtcdEndpoints(raw)
	} else if raw := strings.TrimSpace(os.Getenv("ETCD_SERVER")); raw != "" {
		endpoints = parseEtcdEndpoints(raw)
	}

	apiAuthToken := strings.TrimSpace(os.Getenv("API_AUTH_TOKEN"))
	if apiAuthToken == "" {
		return Env{}, fmt.Errorf("invalid API_AUTH_TOKEN: cannot be empty")
	}

	idempotencyTTLSeconds := int64(24 * 60 * 60)
	if raw := strings.TrimSpace(os.Getenv("IDEMPOTENCY_TTL_SECONDS")); raw != "" {
		ttl, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ttl <= 0 {
			return Env{}, fmt.Errorf("invalid IDEMPOTENCY_TTL_SECONDS: %q", raw)
		}
		idempotencyTTLSeconds = ttl
	}

	backendBaseURL := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	if backendBaseURL == "" && !useMock {
		return Env{}, fmt.Errorf("invalid BACKEND_BASE_URL: cannot be empty unless USE_MOCK_ADAPTERS=true")
	}

	backendTimeout := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("BACKEND_TIMEOUT_SECONDS")); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec <= 0 {
			return Env{}, fmt.Errorf("invalid BACKEND_TIMEOUT_SECONDS: %q", raw)
		}
		backendTimeout = time.Duration(sec) * time.Second
	}

	reconcileInterval := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("GATE_RECONCILE_INTERVAL_SECONDS")); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec <= 0 {
			return Env{}, fmt.Errorf("invalid GATE_RECONCILE_INTERVAL_SECONDS: %q", raw)
		}
		reconcileInterval = time.Duration(sec) * time.Second
	}

	checkpointDebounce := 100 * time.Millisecond
	if raw := strings.TrimSpace(os.Getenv("GATE_CHECKPOINT_DEBOUNCE_MS")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Env{}, fmt.Errorf("invalid GATE_CHECKPOINT_DEBOUNCE_MS: %q", raw)
		}
		checkpointDebounce = time.Duration(ms) * time.Millisecond
	}

	// One in-flight onboarding blocks the whole dashboard surface unless a
	// deployment opts out.
	blockAll := true
	if raw := strings.TrimSpace(os.Getenv("GATE_BLOCK_ALL_RESOURCES")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Env{}, fmt.Errorf("invalid GATE_BLOCK_ALL_RESOURCES: %q", raw)
		}
		blockAll = v
	}

	processingViewPath := strings.TrimSpace(os.Getenv("GATE_PROCESSING_VIEW_PATH"))
	if processingViewPath == "" {
		processingViewPath = "/processing"
	}

	futureStartTolerance := 5 * time.Second
	if raw := strings.TrimSpace(os.Getenv("GATE_FUTURE_START_TOLERANCE_SECONDS")); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 0 {
			return Env{}, fmt.Errorf("invalid GATE_FUTURE_START_TOLERANCE_SECONDS: %q", raw)
		}
		futureStartTolerance = time.Duration(sec) * time.Second
	}

	twinTolerance := 3 * time.Second
	if raw := strings.TrimSpace(os.Getenv("GATE_TWIN_TOLERANCE_SECONDS")); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 0 {
			return Env{}, fmt.Errorf("invalid GATE_TWIN_TOLERANCE_SECONDS: %q", raw)
		}
		twinTolerance = time.Duration(sec) * time.Second
	}

	return Env{
		AppPort:               port,
		AppName:               strings.TrimSpace(os.Getenv("APP_NAME")),
		AppLogLevel:           strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")),
		AppEnv:                strings.TrimSpace(os.Getenv("APP_ENV")),
		APIAuthToken:          apiAuthToken,
		IdempotencyTTLSeconds: idempotencyTTLSeconds,
		EtcdEndpoints:         endpoints,
		EtcdUsername:          strings.TrimSpace(os.Getenv("ETCD_USERNAME")),
		EtcdPassword:          os.Getenv("ETCD_PASSWORD"),
		EtcdTimeout:           timeout,
		UseMockAdapters:       useMock,
		BackendBaseURL:        backendBaseURL,
		BackendTimeout:        backendTimeout,
		ReconcileInterval:     reconcileInterval,
		CheckpointDebounce:    checkpointDebounce,
		BlockAllResources:     blockAll,
		ProcessingViewPath:    processingViewPath,
		FutureStartTolerance:  futureStartTolerance,
		TwinTolerance:         twinTolerance,
	}, nil
}

func parseEtcdEndpoints(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func InitEnv() {
	if initialized {
		log.Debug().Msg("Env already initialized!")
		return
	}
	once.Do(func() {
		viper.AutomaticEnv()
		instance, initError = Load()
		if initError != nil {
			log.Panic().Err(initError).Msg("failed to load env")
		}
		initialized = true
		log.Info().Msg("Env initialized!")
	})
}

func Instance() Env {
	InitEnv()
	if initError != nil {
		panic(initError)
	}
	return instance
}
