package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// BudgetExceededError reports a ledger record that would push a resource past
// its limit. It is terminal for the task; callers must not retry.
type BudgetExceededError struct {
	Resource  string
	Limit     float64
	Used      float64
	Requested float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s at %g/%g, requested %g",
		e.Resource, e.Used, e.Limit, e.Requested)
}

// PermissionDeniedError reports a tool call refused by policy or approver.
// It is non-terminal; the loop records a denial observation instead.
type PermissionDeniedError struct {
	Tool   string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied: %s", e.Tool)
	}
	return fmt.Sprintf("permission denied: %s (%s)", e.Tool, e.Reason)
}

// ApprovalTimeoutError reports an approval request that expired with no
// decision. The loop treats it exactly like a permission denial.
type ApprovalTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval request %s timed out after %v", e.RequestID, e.Timeout)
}

// ToolExecutionError reports a tool call that failed after its retry budget.
type ToolExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// CacheUnavailableError reports a cache backend failure. It is non-fatal:
// lookups degrade to misses and stores are skipped.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// CircuitOpenError reports a call rejected because the tool's circuit breaker
// is open. Not retryable until the breaker half-opens.
type CircuitOpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %v", e.Name, e.RetryIn)
}

// TransientError marks an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable with a readable message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError wraps err as non-retryable with a readable message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsBudgetExceeded checks whether err is a budget violation.
func IsBudgetExceeded(err error) bool {
	var target *BudgetExceededError
	return errors.As(err, &target)
}

// IsPermissionDenied checks whether err is a denial. Approval timeouts count:
// a request that expired unresolved denies execution the same way an explicit
// refusal does.
func IsPermissionDenied(err error) bool {
	var denied *PermissionDeniedError
	if errors.As(err, &denied) {
		return true
	}
	var expired *ApprovalTimeoutError
	return errors.As(err, &expired)
}

// IsApprovalTimeout checks whether err is specifically an expired approval.
func IsApprovalTimeout(err error) bool {
	var target *ApprovalTimeoutError
	return errors.As(err, &target)
}

// IsToolExecution checks whether err is an exhausted tool execution.
func IsToolExecution(err error) bool {
	var target *ToolExecutionError
	return errors.As(err, &target)
}

// IsCacheUnavailable checks whether err is a cache backend failure.
func IsCacheUnavailable(err error) bool {
	var target *CacheUnavailableError
	return errors.As(err, &target)
}

// IsCircuitOpen checks whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// IsTransient checks if an error is retry-able. Budget, permission, and
// breaker errors are never transient regardless of their cause; for the rest
// the explicit markers win, then network/syscall/HTTP classification applies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsBudgetExceeded(err) || IsPermissionDenied(err) || IsCircuitOpen(err) || IsCacheUnavailable(err) {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	return !IsTransient(err)
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
