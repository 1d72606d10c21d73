// Package idutil centralizes the identity formats the spec pins down
// exactly (callback ids, loop ids, node ids) plus opaque uuid-based ids for
// everything else, following the teacher's internal/utils/id convention of
// a single small package all components import rather than ad-hoc ids.
package idutil

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// CallbackIDPattern is the externally documented shape: cli-<unixMillis>-<6 lowercase alphanumerics>.
var CallbackIDPattern = regexp.MustCompile(`^cli-\d+-[a-z0-9]{6}$`)

const alphanum = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewCallbackID mints a callback identifier matching CallbackIDPattern.
func NewCallbackID(now time.Time) string {
	return fmt.Sprintf("cli-%d-%s", now.UnixMilli(), randomSuffix(6))
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unreachable on supported
		// platforms; fall back to a timestamp-derived suffix rather than
		// panicking a caller mid-dispatch.
		ts := time.Now().UnixNano()
		for i := range buf {
			buf[i] = alphanum[int(ts>>(uint(i)*4))%len(alphanum)]
		}
		return string(buf)
	}
	for i, b := range buf {
		buf[i] = alphanum[int(b)%len(alphanum)]
	}
	return string(buf)
}

// NewMessageID mints an opaque mailbox message identity.
func NewMessageID() string { return "msg-" + uuid.NewString() }

// NewSessionID mints an opaque session identity.
func NewSessionID() string { return "sess-" + uuid.NewString() }

// NewResourceID mints an opaque resource identity.
func NewResourceID() string { return "res-" + uuid.NewString() }

// NewCheckpointID mints an opaque checkpoint identity.
func NewCheckpointID() string { return "ckpt-" + uuid.NewString() }

// LoopID formats the spec-mandated loop identity: L-<epic>-<phase>-<seq>.
func LoopID(epicID, phase string, seq int) string {
	return fmt.Sprintf("L-%s-%s-%d", epicID, phase, seq)
}

// NodeID formats the spec-mandated node identity: N-<loop>-<seq>.
func NodeID(loopID string, seq int) string {
	return fmt.Sprintf("N-%s-%d", loopID, seq)
}
