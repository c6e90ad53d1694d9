package uplink

import (
	"errors"

	"github.com/tbox/agent/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is,
// mirroring the teacher's internal/server/errors.go pattern.
var (
	ErrDial         = errors.New("dial")
	ErrConnRead     = errors.New("conn_read")
	ErrConnWrite    = errors.New("conn_write")
	ErrLoginTimeout = errors.New("login_timeout")
	ErrAnswerGiveUp = errors.New("answer_retry_exhausted")
	ErrServerList   = errors.New("server_list_empty")
	ErrContext      = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrUplinkRead
	case errors.Is(err, ErrConnWrite), errors.Is(err, ErrDial):
		return metrics.ErrUplinkWrite
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
