package draftkit

import (
	"errors"
	"fmt"

	"github.com/darkostanimirovic/draftkit/checkpoint"
	"github.com/darkostanimirovic/draftkit/graph"
	"github.com/darkostanimirovic/draftkit/internal/logging"
	"github.com/darkostanimirovic/draftkit/internal/parallel"
	"github.com/darkostanimirovic/draftkit/internal/retry"
	"github.com/darkostanimirovic/draftkit/internal/timeout"
	"github.com/darkostanimirovic/draftkit/middleware"
	"github.com/darkostanimirovic/draftkit/providers"
)

// Type aliases for internal package types.
type (
	RetryConfig    = retry.Config
	TimeoutConfig  = timeout.Config
	LoggingConfig  = logging.Config
	ParallelConfig = parallel.Config
	Middleware     = middleware.Middleware
)

// Function re-exports for convenience.
var (
	DefaultRetryConfig    = retry.DefaultConfig
	DefaultTimeoutConfig  = timeout.DefaultConfig
	DefaultLoggingConfig  = logging.DefaultConfig
	DefaultParallelConfig = parallel.DefaultConfig
)

const (
	DefaultModel         = "gpt-4o-mini"
	DefaultMaxToolRounds = 5
	DefaultMaxSteps      = 50
	defaultTemperature   = 0.4
)

// Config wires a Session.
type Config struct {
	// Provider is the model capability. When nil, an OpenAI provider is
	// created from APIKey.
	Provider providers.Provider
	APIKey   string
	Model    string

	// Store persists checkpoints. Defaults to an in-memory store.
	Store checkpoint.Store
	// Codec overrides the checkpoint encoding.
	Codec graph.Codec

	Threads             ThreadProvider
	ThreadSummarizer    ThreadSummarizer
	RecipientSummarizer RecipientSummarizer

	// Backends for the built-in capabilities. A nil backend leaves its
	// capability unregistered.
	Search    MailSearcher
	Calendar  CalendarBackend
	Knowledge KnowledgeBase

	// Capabilities are registered next to the built-in ones.
	Capabilities []*Capability

	// MaxToolRounds bounds run_tools executions per run. 0 uses
	// DefaultMaxToolRounds.
	MaxToolRounds int
	// MaxSteps bounds the total steps of one run and must leave room for
	// MaxToolRounds. 0 uses the larger of DefaultMaxSteps and that minimum.
	MaxSteps    int
	Temperature float32

	Retry    *RetryConfig
	Timeout  *TimeoutConfig
	Parallel *ParallelConfig
	Logging  *LoggingConfig

	Middlewares []Middleware
	Tracer      Tracer

	// NewConversationID overrides conversation id generation.
	NewConversationID func(userID, threadID string) string
}

// Common validation errors.
var (
	ErrMissingThreadProvider = errors.New("draftkit: Threads is required")
	ErrMissingProvider       = errors.New("draftkit: Provider or APIKey is required")
	ErrInvalidToolRounds     = errors.New("draftkit: MaxToolRounds must be between 0 and 50")
	ErrInvalidMaxSteps       = errors.New("draftkit: MaxSteps must not be negative")
	ErrMaxStepsTooLow        = errors.New("draftkit: MaxSteps is too low for MaxToolRounds")
	ErrInvalidTemperature    = errors.New("draftkit: Temperature must be between 0.0 and 2.0")
)

// DefaultConfig returns sensible defaults. Collaborators still need to be set.
func DefaultConfig() Config {
	return Config{
		Model:         DefaultModel,
		MaxToolRounds: DefaultMaxToolRounds,
		Temperature:   defaultTemperature,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Threads == nil {
		errs = append(errs, ErrMissingThreadProvider)
	}
	if c.Provider == nil && c.APIKey == "" {
		errs = append(errs, ErrMissingProvider)
	}
	if c.MaxToolRounds < 0 || c.MaxToolRounds > 50 {
		errs = append(errs, ErrInvalidToolRounds)
	}
	switch {
	case c.MaxSteps < 0:
		errs = append(errs, ErrInvalidMaxSteps)
	case c.MaxSteps > 0 && c.MaxSteps < minSteps(c.toolRounds()):
		errs = append(errs, fmt.Errorf("%w: need at least %d steps for %d tool rounds",
			ErrMaxStepsTooLow, minSteps(c.toolRounds()), c.toolRounds()))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, ErrInvalidTemperature)
	}
	if c.Parallel != nil && c.Parallel.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("draftkit: Parallel.MaxConcurrent must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	c.MaxToolRounds = c.toolRounds()
	if c.MaxSteps == 0 {
		c.MaxSteps = max(DefaultMaxSteps, minSteps(c.MaxToolRounds))
	}
	if c.ThreadSummarizer == nil {
		c.ThreadSummarizer = SummarizeThread
	}
	if c.RecipientSummarizer == nil {
		c.RecipientSummarizer = BuildRecipientSummary
	}
	return c
}

func (c Config) toolRounds() int {
	if c.MaxToolRounds == 0 {
		return DefaultMaxToolRounds
	}
	return c.MaxToolRounds
}

// minSteps is the step count of a run that uses every tool round and still
// drafts: load_context, rounds+1 reasoning turns, rounds tool runs and
// compose_draft.
func minSteps(rounds int) int {
	return 2*rounds + 3
}
