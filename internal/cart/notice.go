package cart

import (
	"errors"
	"time"
)

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	// NoticeClearFailed is raised when the remote refused to clear the cart.
	NoticeClearFailed NoticeKind = "clear_failed"
	// NoticeSyncFailed is raised when the remote cart could not be fetched
	// and the view fell back to the last confirmed cart.
	NoticeSyncFailed NoticeKind = "sync_failed"
)

// Notice is a failure the shopper should see.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

func noticeFromError(kind NoticeKind, err error, now time.Time) *Notice {
	n := &Notice{Kind: kind, At: now}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		n.Code = remoteErr.Code
		n.Message = remoteErr.Message
	}
	return n
}
