package redis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"peerlink/internal/core/domain"
)

const (
	keyPrefix     = "peerlink:"
	sessionsKey   = keyPrefix + "sessions"
	metaKey       = keyPrefix + "meta"
	schemaVersion = keyPrefix + "schema:version"
)

func streamKey(sessionID domain.SessionID) string {
	return keyPrefix + "signals:" + string(sessionID)
}

func notifyChannel(sessionID domain.SessionID) string {
	return keyPrefix + "notify:" + string(sessionID)
}

func lockKey(sessionID domain.SessionID) string {
	return keyPrefix + "lock:" + string(sessionID)
}

// createdAtFromID maps a stream entry id "<ms>-<seq>" to a timestamp. The
// sequence number becomes nanoseconds so entries in the same millisecond
// keep their order.
func createdAtFromID(id string) (time.Time, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid stream id %q", id)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	if seq >= int64(time.Millisecond) {
		seq = int64(time.Millisecond) - 1
	}
	return time.UnixMilli(ms).Add(time.Duration(seq)).UTC(), nil
}

// startIDAfter returns the smallest stream id whose timestamp is strictly
// after t.
func startIDAfter(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	seq := ns % int64(time.Millisecond)
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

// previousID returns the id immediately before id, for paging backwards.
func previousID(id string) (string, bool) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return "", false
	}
	ms, err1 := strconv.ParseUint(msPart, 10, 64)
	seq, err2 := strconv.ParseUint(seqPart, 10, 64)
	if err1 != nil || err2 != nil {
		return "", false
	}
	if seq > 0 {
		return fmt.Sprintf("%d-%d", ms, seq-1), true
	}
	if ms == 0 {
		return "", false
	}
	return fmt.Sprintf("%d-%d", ms-1, uint64(math.MaxUint64)), true
}
