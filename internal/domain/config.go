package domain

import "time"

// Config holds the complete FraudGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backing services
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline policy
	Limits     LimitsConfig     `json:"limits"`
	Gate       GateConfig       `json:"gate"`
	Evidence   EvidenceConfig   `json:"evidence"`
	Risk       RiskPolicy       `json:"risk"`
	Escalation EscalationConfig `json:"escalation"`

	// External collaborators
	Collaborators CollaboratorConfig `json:"collaborators"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LimitsConfig bounds accepted transactions.
type LimitsConfig struct {
	// MaxAmount is the maximum accepted transaction amount.
	MaxAmount float64 `json:"maxAmount"`
}

// GateConfig holds the suspicion gate policy. Every rule is independently
// evaluated; any one firing requires step-up verification.
type GateConfig struct {
	// MLThreshold: classifier probability above which the gate fires.
	MLThreshold float64 `json:"mlThreshold"`

	// DeviationMultiplier and DeviationFloor: amount exceeds both
	// multiplier * baseline average and the absolute floor.
	DeviationMultiplier float64 `json:"deviationMultiplier"`
	DeviationFloor      float64 `json:"deviationFloor"`

	// DefaultAvgAmount stands in for the baseline average when the user has
	// no history, so first-time users are not exempt from the deviation rule.
	DefaultAvgAmount float64 `json:"defaultAvgAmount"`

	// NewDeviceFloor: unknown device with amount above this floor.
	NewDeviceFloor float64 `json:"newDeviceFloor"`

	// UnusualHours and UnusualHourFloor: submission hour in the set with
	// amount above the floor.
	UnusualHours     []int   `json:"unusualHours"`
	UnusualHourFloor float64 `json:"unusualHourFloor"`

	// DistanceFloor and DistanceAmountFloor: geographic distance and amount
	// both above their floors.
	DistanceFloor       float64 `json:"distanceFloor"`
	DistanceAmountFloor float64 `json:"distanceAmountFloor"`

	// CustomRules are operator-defined CEL escalation rules evaluated
	// alongside the built-in rules.
	CustomRules []GateRule `json:"customRules,omitempty"`
}

// GateRule is an operator-defined escalation rule. Expression is a CEL
// program over the gate's evaluation variables; a true result appends Reason
// to the flag list.
type GateRule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Reason     string `json:"reason"`
	Enabled    bool   `json:"enabled"`
}

// EvidenceConfig holds the evidence collection policy.
type EvidenceConfig struct {
	// HistoryLimit is the maximum history records fetched per request.
	HistoryLimit int `json:"historyLimit"`

	// TimelineSize is the number of trailing history entries in the timeline.
	TimelineSize int `json:"timelineSize"`

	// VelocityThreshold: strictly more than this many transactions within
	// VelocityWindow is a velocity anomaly.
	VelocityThreshold int           `json:"velocityThreshold"`
	VelocityWindow    time.Duration `json:"velocityWindow"`

	// RapidWindow: gap among the first three in-window transactions below
	// this flags rapid succession.
	RapidWindow time.Duration `json:"rapidWindow"`

	// AmountMultiplier: amount above this multiple of baseline average is
	// an amount anomaly.
	AmountMultiplier float64 `json:"amountMultiplier"`
}

// RiskPolicy holds the composite scoring policy: status thresholds and the
// adjustment table. Kept as configuration so policy tunes without a code
// change.
type RiskPolicy struct {
	// Status thresholds on the composite score.
	BlockThreshold        int `json:"blockThreshold"`
	ReviewHighThreshold   int `json:"reviewHighThreshold"`
	ReviewMediumThreshold int `json:"reviewMediumThreshold"`

	// Adjustment deltas.
	InauthenticDelta   int `json:"inauthenticDelta"`
	FaceMatchDelta     int `json:"faceMatchDelta"`
	LivenessDelta      int `json:"livenessDelta"`
	AmountAnomalyDelta int `json:"amountAnomalyDelta"`
	VelocityDelta      int `json:"velocityDelta"`
	NewDeviceDelta     int `json:"newDeviceDelta"`
}

// EscalationConfig holds the escalation policy.
type EscalationConfig struct {
	// Threshold is the composite score at or above which a case is opened.
	Threshold int `json:"threshold"`

	// CasePrefix prefixes generated case identifiers.
	CasePrefix string `json:"casePrefix"`

	// MaxIDRetries bounds the uniqueness check/retry loop for case IDs.
	MaxIDRetries int `json:"maxIdRetries"`
}

// CollaboratorConfig holds external collaborator settings.
type CollaboratorConfig struct {
	// ClassifierMode is "heuristic" (local) or "http" (remote inference).
	ClassifierMode string `json:"classifierMode"`
	ClassifierURL  string `json:"classifierUrl"`

	// VerifierURL is the biometric verification endpoint.
	VerifierURL string `json:"verifierUrl"`

	// SimilarityThreshold is the minimum face-match similarity (0-100).
	SimilarityThreshold float64 `json:"similarityThreshold"`

	// QualityFloor is the minimum acceptable image quality score (0-100).
	QualityFloor float64 `json:"qualityFloor"`

	// TextGenMode is "template" (deterministic local) or "http".
	TextGenMode      string `json:"textGenMode"`
	TextGenURL       string `json:"textGenUrl"`
	TextGenMaxTokens int    `json:"textGenMaxTokens"`

	// Timeout bounds each collaborator call.
	Timeout time.Duration `json:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels + local collaborators
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis + remote collaborators
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraudguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Limits: LimitsConfig{
			MaxAmount: 1_000_000,
		},
		Gate: GateConfig{
			MLThreshold:         0.60,
			DeviationMultiplier: 5,
			DeviationFloor:      5000,
			DefaultAvgAmount:    1000,
			NewDeviceFloor:      3000,
			UnusualHours:        []int{0, 1, 2, 3, 4, 5, 23},
			UnusualHourFloor:    2000,
			DistanceFloor:       500,
			DistanceAmountFloor: 3000,
		},
		Evidence: EvidenceConfig{
			HistoryLimit:      100,
			TimelineSize:      5,
			VelocityThreshold: 10,
			VelocityWindow:    24 * time.Hour,
			RapidWindow:       time.Hour,
			AmountMultiplier:  5,
		},
		Risk: RiskPolicy{
			BlockThreshold:        85,
			ReviewHighThreshold:   70,
			ReviewMediumThreshold: 50,
			InauthenticDelta:      40,
			FaceMatchDelta:        20,
			LivenessDelta:         15,
			AmountAnomalyDelta:    15,
			VelocityDelta:         10,
			NewDeviceDelta:        10,
		},
		Escalation: EscalationConfig{
			Threshold:    70,
			CasePrefix:   "FA",
			MaxIDRetries: 5,
		},
		Collaborators: CollaboratorConfig{
			ClassifierMode:      "heuristic",
			SimilarityThreshold: 80,
			QualityFloor:        70,
			TextGenMode:         "template",
			TextGenMaxTokens:    500,
			Timeout:             30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier: PostgreSQL, two-phase
// Redis cache, NATS bus and remote collaborators.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Collaborators.ClassifierMode = "http"
	cfg.Collaborators.TextGenMode = "http"
	cfg.Tracing.Enabled = true
	return cfg
}
