package config

// ServerConfig contains server configuration
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0"`
}

// FeedConfig describes the upstream feeds a deployment reads from.
type FeedConfig struct {
	AgencyID            string `yaml:"agencyId" validate:"omitempty"`
	StaticURL           string `yaml:"staticURL" validate:"omitempty,url"`
	TripUpdatesURL      string `yaml:"tripUpdatesURL" validate:"omitempty,url"`
	VehiclePositionsURL string `yaml:"vehiclePositionsURL" validate:"omitempty,url"`
	ReadIntervalMS      int    `yaml:"readIntervalMS" validate:"gte=0"`
	TimeoutMS           int    `yaml:"timeoutMS" validate:"gte=0"`
}

// FetchCacheConfig tunes the raw-fetch memoization tier.
type FetchCacheConfig struct {
	MaxEntries              int     `yaml:"maxEntries" validate:"gte=0"`
	MaxMemoryBytes          int64   `yaml:"maxMemoryBytes" validate:"gte=0"`
	MemoryPressureRatio     float64 `yaml:"memoryPressureRatio" validate:"gte=0,lte=1"`
	PressureEvictFraction   float64 `yaml:"pressureEvictFraction" validate:"gte=0,lte=1"`
	EmergencyShrinkFraction float64 `yaml:"emergencyShrinkFraction" validate:"gte=0,lte=1"`
	SweepIntervalS          int     `yaml:"sweepIntervalS" validate:"gte=0"`
	DefaultMaxAgeS          int     `yaml:"defaultMaxAgeS" validate:"gte=0"`
	DefaultTTLS             int     `yaml:"defaultTTLS" validate:"gte=0"`
	StaleWhileRevalidate    bool    `yaml:"staleWhileRevalidate"`
}

// ResultCacheConfig tunes the computed-result memoization tier.
type ResultCacheConfig struct {
	MaxEntries     int   `yaml:"maxEntries" validate:"gte=0"`
	MaxMemoryBytes int64 `yaml:"maxMemoryBytes" validate:"gte=0"`
}

// RetryPolicyConfig is one retry policy, keyed by operation name.
type RetryPolicyConfig struct {
	MaxRetries          int     `yaml:"maxRetries" validate:"gte=0"`
	InitialDelayMS      int     `yaml:"initialDelayMS" validate:"gte=0"`
	MaxDelayMS          int     `yaml:"maxDelayMS" validate:"gte=0"`
	BackoffMultiplier   float64 `yaml:"backoffMultiplier" validate:"gte=1"`
	JitterFactor        float64 `yaml:"jitterFactor" validate:"gte=0,lte=1"`
	PerAttemptTimeoutMS int     `yaml:"perAttemptTimeoutMS" validate:"gte=0"`
}

// BreakerConfig tunes the per-operation circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold" validate:"gte=1"`
	SuccessThreshold int `yaml:"successThreshold" validate:"gte=1"`
	TimeoutMS        int `yaml:"timeoutMS" validate:"gte=0"`
	WindowMS         int `yaml:"windowMS" validate:"gte=0"`
}

// ResilienceConfig groups retry policies and breaker settings.
type ResilienceConfig struct {
	Default    RetryPolicyConfig            `yaml:"default"`
	Operations map[string]RetryPolicyConfig `yaml:"operations"`
	Breaker    BreakerConfig                `yaml:"breaker"`
}

// FilterConfig tunes the activity-aware vehicle filter.
type FilterConfig struct {
	BusyThreshold       int     `yaml:"busyThreshold" validate:"gte=1"`
	DistanceThresholdKM float64 `yaml:"distanceThresholdKm" validate:"gte=0"`
	DecisionTTLS        int     `yaml:"decisionTTLS" validate:"gte=0"`
	DistanceTTLS        int     `yaml:"distanceTTLS" validate:"gte=0"`
	MaxDecisionEntries  int     `yaml:"maxDecisionEntries" validate:"gte=0"`
	MaxDistanceEntries  int     `yaml:"maxDistanceEntries" validate:"gte=0"`
}

// StorageConfig describes the best-effort snapshot store.
type StorageConfig struct {
	Path           string `yaml:"path"`
	InMemory       bool   `yaml:"inMemory"`
	MaxSnapshotLen int64  `yaml:"maxSnapshotLen" validate:"gte=0"`
}

// AppConfig is the root configuration structure
type AppConfig struct {
	Server      ServerConfig      `yaml:"server" validate:"required"`
	Feed        FeedConfig        `yaml:"feed"`
	FetchCache  FetchCacheConfig  `yaml:"fetchCache"`
	ResultCache ResultCacheConfig `yaml:"resultCache"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Filter      FilterConfig      `yaml:"filter"`
	Storage     StorageConfig     `yaml:"storage"`
}
