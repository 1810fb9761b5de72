// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/policy"
	"github.com/ashureev/study-gate/internal/timewindow"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Timezone     string
	Location     *time.Location
	BlockWindows []domain.TimeWindow
	StudyWindows []domain.TimeWindow

	DefaultGrantMinutes int
	StudyGrantMinutes   int
	MaxAttempts         int
	DefaultLocale       domain.Locale

	AgentAddr    string
	AgentTimeout time.Duration
	OpenAIAPIKey string
	OpenAIModel  string

	SessionCacheSize int
	SessionTTL       time.Duration

	// AdminToken guards parent-only endpoints. Empty disables them.
	AdminToken string

	PolicyFile string
	Quiz       QuizConfig
	Vocabulary policy.Vocabulary
	Questions  []domain.Question

	ConversationLog ConversationLogConfig
}

// QuizConfig controls verification quizzes.
type QuizConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Size         int     `yaml:"size"`
	PassRatio    float64 `yaml:"pass_ratio"`
	PartialRatio float64 `yaml:"partial_ratio"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// PolicyFile is the YAML document referenced by POLICY_FILE. Windows given
// in the file replace the env values.
type PolicyFile struct {
	BlockWindows []domain.TimeWindow `yaml:"block_windows"`
	StudyWindows []domain.TimeWindow `yaml:"study_windows"`
	Vocabulary   *policy.Vocabulary  `yaml:"vocabulary"`
	Questions    []domain.Question   `yaml:"questions"`
	Quiz         *QuizConfig         `yaml:"quiz"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	block, err := ParseWindows(getEnv("BLOCK_WINDOWS", "bedtime=21:00-07:00"))
	if err != nil {
		return nil, fmt.Errorf("parse BLOCK_WINDOWS: %w", err)
	}
	study, err := ParseWindows(getEnv("STUDY_WINDOWS", "homework=14:00-16:00"))
	if err != nil {
		return nil, fmt.Errorf("parse STUDY_WINDOWS: %w", err)
	}

	defaults := policy.DefaultConfig()
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/studygate.db"),
		Timezone:            getEnv("TIMEZONE", "America/Sao_Paulo"),
		BlockWindows:        block,
		StudyWindows:        study,
		DefaultGrantMinutes: getEnvInt("DEFAULT_GRANT_MINUTES", defaults.DefaultGrantMinutes),
		StudyGrantMinutes:   getEnvInt("STUDY_GRANT_MINUTES", defaults.StudyGrantMinutes),
		MaxAttempts:         getEnvInt("MAX_ATTEMPTS", 3),
		DefaultLocale:       domain.ParseLocale(getEnv("DEFAULT_LOCALE", "pt"), domain.LocalePT),
		AgentAddr:           getEnv("AGENT_ADDR", ""),
		AgentTimeout:        getEnvDuration("AGENT_TIMEOUT", 3000*time.Millisecond),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", ""),
		SessionCacheSize:    getEnvInt("SESSION_CACHE_SIZE", 1024),
		SessionTTL:          getEnvDuration("SESSION_TTL", 60*time.Minute),
		AdminToken:          getEnv("ADMIN_TOKEN", ""),
		PolicyFile:          getEnv("POLICY_FILE", ""),
		Quiz: QuizConfig{
			Enabled:      getEnvBool("VERIFY_WITH_QUIZ", false),
			Size:         defaults.QuizSize,
			PassRatio:    defaults.PassRatio,
			PartialRatio: defaults.PartialRatio,
		},
		Vocabulary: defaults.Vocabulary,
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if cfg.PolicyFile != "" {
		if err := cfg.applyPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("decode policy file %s: %w", path, err)
	}

	if len(pf.BlockWindows) > 0 {
		c.BlockWindows = pf.BlockWindows
	}
	if len(pf.StudyWindows) > 0 {
		c.StudyWindows = pf.StudyWindows
	}
	if pf.Vocabulary != nil {
		c.Vocabulary = *pf.Vocabulary
	}
	if len(pf.Questions) > 0 {
		c.Questions = pf.Questions
	}
	if pf.Quiz != nil {
		q := *pf.Quiz
		if q.Size <= 0 {
			q.Size = c.Quiz.Size
		}
		if q.PassRatio == 0 {
			q.PassRatio = c.Quiz.PassRatio
		}
		if q.PartialRatio == 0 {
			q.PartialRatio = c.Quiz.PartialRatio
		}
		c.Quiz = q
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	for _, w := range c.BlockWindows {
		if err := timewindow.Validate(w); err != nil {
			return fmt.Errorf("block window %q: %w", w.Name, err)
		}
	}
	for _, w := range c.StudyWindows {
		if err := timewindow.Validate(w); err != nil {
			return fmt.Errorf("study window %q: %w", w.Name, err)
		}
	}
	if c.DefaultGrantMinutes <= 0 || c.StudyGrantMinutes <= 0 {
		return fmt.Errorf("grant minutes must be > 0")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.SessionCacheSize <= 0 {
		return fmt.Errorf("SESSION_CACHE_SIZE must be > 0")
	}
	if c.Quiz.Enabled && len(c.Questions) == 0 {
		return fmt.Errorf("quiz verification enabled without questions")
	}
	for _, q := range c.Questions {
		if q.ID == "" || len(q.Answers) == 0 {
			return fmt.Errorf("question %q needs an id and at least one answer", q.ID)
		}
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// PolicyConfig builds the local policy configuration.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		DefaultGrantMinutes: c.DefaultGrantMinutes,
		StudyGrantMinutes:   c.StudyGrantMinutes,
		Vocabulary:          c.Vocabulary,
		VerifyWithQuiz:      c.Quiz.Enabled,
		QuizSize:            c.Quiz.Size,
		QuestionBank:        c.Questions,
		PassRatio:           c.Quiz.PassRatio,
		PartialRatio:        c.Quiz.PartialRatio,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ErrMalformedWindow is returned for a window entry that is not START-END.
var ErrMalformedWindow = errors.New("window must be START-END")

// ParseWindows parses a comma separated list of windows such as
// "bedtime=21:00-07:00,lunch=12:00-13:00". Names are optional.
func ParseWindows(s string) ([]domain.TimeWindow, error) {
	var out []domain.TimeWindow
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var name string
		if i := strings.Index(part, "="); i >= 0 {
			name, part = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		start, end, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("%q: %w", part, ErrMalformedWindow)
		}
		w := domain.TimeWindow{Name: name, Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
		if err := timewindow.Validate(w); err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds ("3000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
