package iterate

import (
	"fmt"

	"loom/internal/types"
)

// DefaultCircuitBreakerThreshold applies when the config leaves it unset.
const DefaultCircuitBreakerThreshold = 3

// CheckSafety runs the iteration safety guards. It returns SignalEscalate
// with a reason when a guard trips, or "" when the loop may continue.
func CheckSafety(iterationNumber int, cfg *types.IterationConfig, history []types.IterationRecord) (signal, reason string) {
	if cfg == nil {
		return "", ""
	}

	if iterationNumber >= cfg.MaxIterations {
		return types.SignalEscalate,
			fmt.Sprintf("iteration %d reached the configured maximum of %d", iterationNumber, cfg.MaxIterations)
	}

	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = DefaultCircuitBreakerThreshold
	}
	if len(history) >= threshold {
		tripped := true
		for _, rec := range history[len(history)-threshold:] {
			if rec.ValidationPassed {
				tripped = false
				break
			}
		}
		if tripped {
			return types.SignalEscalate,
				fmt.Sprintf("circuit breaker: last %d iterations failed validation", threshold)
		}
	}

	return "", ""
}

// ValidateConfig checks an iteration config for structural well-formedness.
func ValidateConfig(cfg *types.IterationConfig) error {
	if cfg == nil {
		return types.NewValidation("iterationConfig", "config is required")
	}
	if cfg.MaxIterations < 1 {
		return types.NewValidation("maxIterations", "must be >= 1, got %d", cfg.MaxIterations)
	}
	if len(cfg.CompletionPromises) == 0 {
		return types.NewValidation("completionPromises", "at least one promise is required")
	}
	for _, p := range cfg.CompletionPromises {
		if p == "" {
			return types.NewValidation("completionPromises", "promises must be non-empty strings")
		}
	}
	if cfg.CircuitBreakerThreshold < 0 {
		return types.NewValidation("circuitBreakerThreshold", "must be >= 1 when set")
	}
	for i := range cfg.ValidationRules {
		if err := ValidateRuleSpec(&cfg.ValidationRules[i]); err != nil {
			return err
		}
	}
	return nil
}
