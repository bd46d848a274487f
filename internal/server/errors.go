package server

import (
	"errors"

	"github.com/vexfall/netarena/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via
// errors.Is, and so metrics labels stay stable regardless of the
// underlying net error's text.
var (
	ErrBind       = errors.New("bind")
	ErrReceive    = errors.New("receive")
	ErrSend       = errors.New("send")
	ErrDecode     = errors.New("decode")
	ErrServerFull = errors.New("server_full")
	ErrContext    = errors.New("context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrBind):
		return metrics.ErrBind
	case errors.Is(err, ErrReceive):
		return metrics.ErrReceive
	case errors.Is(err, ErrSend):
		return metrics.ErrSend
	case errors.Is(err, ErrDecode):
		return metrics.ErrDecode
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
