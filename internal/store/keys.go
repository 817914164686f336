package store

import "strings"

const (
	threadKeyPrefix   = "thread:"
	messagesKeySuffix = ":messages"
	livenessKeySuffix = ":lastAccess"
	sessionKeyPrefix  = "claude_session:"
)

func messagesKey(handle string) string {
	return threadKeyPrefix + handle + messagesKeySuffix
}

// livenessKey names the entry whose TTL expiry drives thread reconciliation.
// Its value (a timestamp) is never read back; only the expiry matters.
func livenessKey(handle string) string {
	return threadKeyPrefix + handle + livenessKeySuffix
}

func sessionKey(handle string) string {
	return sessionKeyPrefix + handle
}

// handleFromLivenessKey extracts the conversation handle from an expired-key
// notification payload. Returns false for keys that are not liveness keys.
func handleFromLivenessKey(key string) (string, bool) {
	if !strings.HasPrefix(key, threadKeyPrefix) || !strings.HasSuffix(key, livenessKeySuffix) {
		return "", false
	}
	handle := strings.TrimSuffix(strings.TrimPrefix(key, threadKeyPrefix), livenessKeySuffix)
	if handle == "" {
		return "", false
	}
	return handle, true
}
