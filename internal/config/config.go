// Package config provides configuration types and loading for runledger.
package config

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Model      ModelConfig      `json:"model"`
	Providers  ProvidersConfig  `json:"providers"`
	Safety     SafetyConfig     `json:"safety"`
	Skills     SkillsConfig     `json:"skills"`
	Compaction CompactionConfig `json:"compaction"`
	Sink       SinkConfig       `json:"sink"`
}

// ---------------------------------------------------------------------------
// Paths - filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	// Workspace is the root under which runs/ and tool sandboxes live.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	// EventBackend selects "file" (events.jsonl per run) or "sqlite".
	EventBackend string `json:"eventBackend" envconfig:"EVENT_BACKEND"`
	// EventDBPath is the sqlite database path when EventBackend is sqlite.
	EventDBPath string `json:"eventDbPath" envconfig:"EVENT_DB_PATH"`
}

// ---------------------------------------------------------------------------
// Model - LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig controls the model request parameters.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
	// HistoryTail is how many recent raw messages survive compaction.
	HistoryTail int `json:"historyTail" envconfig:"HISTORY_TAIL"`
}

// ProvidersConfig selects and configures LLM backends.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
}

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	BaseURL string `json:"baseUrl,omitempty" envconfig:"BASE_URL"`
	Model   string `json:"model,omitempty" envconfig:"MODEL"`
}

// ---------------------------------------------------------------------------
// Safety - budgets, approvals, policy
// ---------------------------------------------------------------------------

// SafetyConfig controls budgets and the approval pipeline.
type SafetyConfig struct {
	// Mode is the default for tools above MaxAutoTier: "ask" or "deny".
	Mode string `json:"mode" envconfig:"MODE"`
	// MaxAutoTier is the highest tool tier executed without approval.
	MaxAutoTier int `json:"maxAutoTier" envconfig:"MAX_AUTO_TIER"`
	// ToolRules maps tool name to allow/ask/deny, overriding tiers.
	ToolRules              map[string]string `json:"toolRules,omitempty"`
	MaxSteps               int               `json:"maxSteps" envconfig:"MAX_STEPS"`
	MaxWallTimeSeconds     int               `json:"maxWallTimeSeconds" envconfig:"MAX_WALL_TIME_SECONDS"`
	ApprovalTimeoutSeconds int               `json:"approvalTimeoutSeconds" envconfig:"APPROVAL_TIMEOUT_SECONDS"`
	DenialThreshold        int               `json:"denialThreshold" envconfig:"DENIAL_THRESHOLD"`
}

// ---------------------------------------------------------------------------
// Skills
// ---------------------------------------------------------------------------

// SkillsConfig configures skill sources and injection behaviour.
type SkillsConfig struct {
	// Dir is the filesystem skill source root; empty disables it.
	Dir string `json:"dir,omitempty" envconfig:"DIR"`
	// PostgresDSN enables the postgres skill source when set.
	PostgresDSN string `json:"postgresDsn,omitempty" envconfig:"POSTGRES_DSN"`
	// EnvPolicy is "fail_fast" or "skip_skill" for missing env vars.
	EnvPolicy        string `json:"envPolicy" envconfig:"ENV_POLICY"`
	MaxInjectedBytes int    `json:"maxInjectedBytes" envconfig:"MAX_INJECTED_BYTES"`
}

// ---------------------------------------------------------------------------
// Compaction - context-length recovery
// ---------------------------------------------------------------------------

// CompactionConfig controls context-length recovery.
type CompactionConfig struct {
	// Mode is "fail_fast", "compact_first", or "ask_first".
	Mode string `json:"mode" envconfig:"MODE"`
	// FallbackMode applies when Mode is ask_first and no human provider
	// is available.
	FallbackMode string `json:"fallbackMode" envconfig:"FALLBACK_MODE"`
	// MaxPerRun caps compactions per run; exceeding it is fatal.
	MaxPerRun int `json:"maxPerRun" envconfig:"MAX_PER_RUN"`
}

// ---------------------------------------------------------------------------
// Sink - kafka event mirror
// ---------------------------------------------------------------------------

// SinkConfig configures the optional kafka event mirror.
type SinkConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers,omitempty" envconfig:"BROKERS"`
	Topic   string   `json:"topic,omitempty" envconfig:"TOPIC"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace:    "~/runledger-workspace",
			EventBackend: "file",
		},
		Model: ModelConfig{
			Name:        "gpt-4o",
			MaxTokens:   4096,
			Temperature: 0.7,
			HistoryTail: 8,
		},
		Safety: SafetyConfig{
			Mode:                   "ask",
			MaxAutoTier:            1,
			MaxSteps:               30,
			ApprovalTimeoutSeconds: 60,
			DenialThreshold:        3,
		},
		Skills: SkillsConfig{
			EnvPolicy:        "fail_fast",
			MaxInjectedBytes: 64 * 1024,
		},
		Compaction: CompactionConfig{
			Mode:         "compact_first",
			FallbackMode: "compact_first",
			MaxPerRun:    2,
		},
		Sink: SinkConfig{
			Topic: "runledger.events",
		},
	}
}
