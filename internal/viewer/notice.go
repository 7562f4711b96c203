package viewer

import "time"

// DefaultNoticeTTL is how long a notice stays visible
const DefaultNoticeTTL = 4 * time.Second

// NoticeKind distinguishes the advisory notices
type NoticeKind string

const (
	NoticeModuleLocked NoticeKind = "module_locked"
	NoticeNotWatched   NoticeKind = "not_watched"
)

// Notice is a transient advisory message. It is not an error.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	Message   string     `json:"message"`
	ContentID string     `json:"contentId,omitempty"`
	ModuleID  string     `json:"moduleId,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

func (n *Notice) expired(now time.Time) bool {
	return n == nil || !now.Before(n.ExpiresAt)
}

func moduleLockedNotice(moduleID, previous string, expires time.Time) *Notice {
	msg := "Complete the previous module to unlock this one."
	if previous != "" {
		msg = "Complete \"" + previous + "\" to unlock this module."
	}
	return &Notice{Kind: NoticeModuleLocked, Message: msg, ModuleID: moduleID, ExpiresAt: expires}
}

func notWatchedNotice(contentID string, expires time.Time) *Notice {
	return &Notice{
		Kind:      NoticeNotWatched,
		Message:   "Watch the video to the end before marking it complete.",
		ContentID: contentID,
		ExpiresAt: expires,
	}
}
