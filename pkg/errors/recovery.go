package errors

import (
	"time"

	"github.com/zatekoja/clinical-insights/backend/pkg/retry"
)

// RecoveryAction is what the executor does after a failure with a given code.
type RecoveryAction string

const (
	RecoveryRetry    RecoveryAction = "retry"
	RecoveryFallback RecoveryAction = "fallback"
	RecoveryQueue    RecoveryAction = "queue"
	RecoveryDegrade  RecoveryAction = "degrade"
	RecoveryFail     RecoveryAction = "fail"
)

// RecoveryStrategy bounds how a failure is recovered from.
type RecoveryStrategy struct {
	Action      RecoveryAction
	MaxAttempts int
	Backoff     retry.BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retryable reports whether the strategy re-runs the execution.
func (s RecoveryStrategy) Retryable() bool {
	return (s.Action == RecoveryRetry || s.Action == RecoveryQueue) && s.MaxAttempts > 0
}

// DefaultRecoveryStrategies returns the error code to strategy table used by
// the pipeline executor. The returned map is a fresh copy.
func DefaultRecoveryStrategies() map[ErrorCode]RecoveryStrategy {
	fail := RecoveryStrategy{Action: RecoveryFail, Backoff: retry.BackoffNone}
	degrade := RecoveryStrategy{Action: RecoveryDegrade, Backoff: retry.BackoffNone}

	return map[ErrorCode]RecoveryStrategy{
		CodeContextAggregationFailed: fail,
		CodeContextNotFound:          fail,
		CodeInsufficientContext:      fail,
		CodePromptNotFound:           fail,
		CodePromptCompileFailed: {
			Action:      RecoveryRetry,
			MaxAttempts: 2,
			Backoff:     retry.BackoffFixed,
			BaseDelay:   100 * time.Millisecond,
		},
		CodePromptTooLarge: {
			Action:      RecoveryFallback,
			MaxAttempts: 1,
			Backoff:     retry.BackoffNone,
		},
		CodeModelTimeout: {
			Action:      RecoveryRetry,
			MaxAttempts: 3,
			Backoff:     retry.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		CodeModelConnectionError: {
			Action:      RecoveryRetry,
			MaxAttempts: 3,
			Backoff:     retry.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		CodeModelRateLimit: {
			Action:      RecoveryQueue,
			MaxAttempts: 3,
			Backoff:     retry.BackoffLinear,
			BaseDelay:   2 * time.Second,
			MaxDelay:    15 * time.Second,
		},
		CodeModelInvalidResponse: {
			Action:      RecoveryRetry,
			MaxAttempts: 2,
			Backoff:     retry.BackoffFixed,
			BaseDelay:   500 * time.Millisecond,
		},
		CodeOutputValidationFailed: {Action: RecoveryFallback, Backoff: retry.BackoffNone},
		CodeSchemaMismatch:         fail,
		CodeMissingRequiredFields:  fail,
		CodeCacheError:             degrade,
		CodeAuditError:             degrade,
		CodeConfigError:            fail,
		CodeUnknown:                fail,
		CodeCancelled:              fail,
	}
}

// StrategyFor looks up code in table, treating unlisted codes as fail-fast.
func StrategyFor(table map[ErrorCode]RecoveryStrategy, code ErrorCode) RecoveryStrategy {
	if s, ok := table[code]; ok {
		return s
	}
	return RecoveryStrategy{Action: RecoveryFail, Backoff: retry.BackoffNone}
}
