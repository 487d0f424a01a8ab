package server

import (
	"errors"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
)

var (
	ErrRateLimited     = errors.New("server: rate limit exceeded")
	ErrContentRejected = errors.New("server: content rejected")
	ErrUnauthenticated = errors.New("server: no verified identity for session")

	errInvalidPayload = errors.New("server: invalid event payload")
)

// noticeError is a rejected event whose notice is shown to the requester only.
type noticeError struct {
	notice string
	err    error
}

func (e *noticeError) Error() string {
	return e.err.Error() + ": " + e.notice
}

func (e *noticeError) Unwrap() error {
	return e.err
}

func reject(err error, notice string) error {
	return &noticeError{notice: notice, err: err}
}

// rejectionReason labels a rejected event for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrContentRejected):
		return "content"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, chatlog.ErrUnauthorized), errors.Is(err, channels.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, chatlog.ErrNotFound), errors.Is(err, channels.ErrNotFound),
		errors.Is(err, identity.ErrUnknownIdentity):
		return "not_found"
	case errors.Is(err, errInvalidPayload), errors.Is(err, channels.ErrEmptyTitle):
		return "invalid"
	default:
		return "error"
	}
}
