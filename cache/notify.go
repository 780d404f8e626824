package cache

import "log/slog"

// NoticeKind classifies user-visible notices emitted by the sync layer.
type NoticeKind int

const (
	// NoticeOffline is emitted when connectivity is lost.
	NoticeOffline NoticeKind = iota
	// NoticeOnline is emitted when connectivity returns.
	NoticeOnline
	// NoticeSyncError is emitted when a sync attempt fails; it is always
	// retryable from the user's perspective.
	NoticeSyncError
	// NoticeDegradedRealtime is emitted when the push channel exhausts its
	// reconnect budget; cached data stays servable and the app falls back
	// to interval-based sync.
	NoticeDegradedRealtime
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeOffline:
		return "offline"
	case NoticeOnline:
		return "online"
	case NoticeSyncError:
		return "sync_error"
	case NoticeDegradedRealtime:
		return "degraded_realtime"
	default:
		return "unknown"
	}
}

// Notice is a user-visible event. The UI layer decides presentation; this
// layer only guarantees that no terminal error path goes unnoticed.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(Notice)
}

// LogNotifier is the default Notifier; it writes notices to a structured
// logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(notice Notice) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notice.Err != nil {
		logger.Warn(notice.Message, "kind", notice.Kind.String(), "error", notice.Err)
		return
	}
	logger.Info(notice.Message, "kind", notice.Kind.String())
}
