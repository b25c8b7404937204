// Package faults classifies pipeline errors as transient, permanent, stale, or partial
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

// Kind is an error class that decides retry behavior
type Kind string

const (
	KindTransient Kind = "TRANSIENT"
	KindPermanent Kind = "PERMANENT"
	KindStale     Kind = "STALE"
	KindPartial   Kind = "PARTIAL"
)

// Error attaches a Kind to an underlying error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as not retryable.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Stale wraps err as operating on superseded state.
func Stale(op string, err error) error {
	return &Error{Kind: KindStale, Op: op, Err: err}
}

// transientCodes are service error codes caused by throttling, eventual
// consistency or permission propagation.
var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"RequestLimitExceeded":                   true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"InternalException":                      true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"KMSInternalException":                   true,
	"DependencyTimeoutException":             true,
	"OperationAborted":                       true,
	"IncorrectState":                         true,

	// IAM grants take time to propagate after deployment.
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
	"InvalidClientTokenId":  true,
}

// Classify returns the Kind of err. Unknown errors are permanent.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return KindTransient
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return KindTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return KindTransient
		}
		return KindPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsStale reports whether err signals superseded state.
func IsStale(err error) bool {
	return Classify(err) == KindStale
}

// ErrorCode returns the service error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
