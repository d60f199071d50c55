package delivery

import (
	"errors"
	"strings"
	"time"
)

// Outcome is the result of one delivery attempt: Success or RetriableFailure.
type Outcome interface {
	outcome()
}

// Success is a 2xx response from the endpoint.
type Success struct {
	StatusCode int
	Latency    time.Duration
}

// RetriableFailure covers non-2xx responses, timeouts, network and configuration errors.
type RetriableFailure struct {
	Reason     string
	StatusCode int
	Err        error
	Latency    time.Duration
}

func (Success) outcome()          {}
func (RetriableFailure) outcome() {}

func (f RetriableFailure) Error() string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return f.Reason
}

// Failure reasons, used as metric labels
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonHTTP5xx           = "http_5xx"
	ReasonHTTP429           = "http_429"
	ReasonHTTP4xx           = "http_4xx"
	ReasonInvalidConfig     = "invalid_config"
	ReasonOther             = "other"
)

var ErrInvalidConfig = errors.New("invalid delivery configuration")

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, ErrInvalidConfig) {
			return ReasonInvalidConfig
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return ReasonTimeout
		}
		if strings.Contains(errLower, "connection refused") {
			return ReasonConnectionRefused
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return ReasonDNS
		}
		return ReasonNetwork
	}
	if status >= 500 {
		return ReasonHTTP5xx
	}
	if status == 429 {
		return ReasonHTTP429
	}
	if status >= 400 {
		return ReasonHTTP4xx
	}
	return ReasonOther
}
