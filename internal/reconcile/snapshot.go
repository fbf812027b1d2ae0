package reconcile

import (
	"time"

	"github.com/goodtune/kbilling/internal/session"
)

// Snapshot is the read-only view of the session published after every
// observation.
type Snapshot struct {
	DeviceID         string           `json:"device_id"`
	Phase            session.Phase    `json:"phase"`
	Session          *session.Session `json:"session,omitempty"`
	RemainingSeconds int              `json:"remaining_seconds"`
	Display          string           `json:"display"`
	Remaining        string           `json:"remaining"`
	AbsentPolls      int              `json:"absent_polls"`
	LastSyncAt       time.Time        `json:"last_sync_at"`
	LastTopUpAt      time.Time        `json:"last_top_up_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func newSnapshot(deviceID string, st session.State, at time.Time) *Snapshot {
	return &Snapshot{
		DeviceID:         deviceID,
		Phase:            st.Phase,
		Session:          st.Current,
		RemainingSeconds: st.RemainingSeconds,
		Display:          session.FormatClock(st.RemainingSeconds),
		Remaining:        session.FormatCoarse(st.RemainingSeconds),
		AbsentPolls:      st.AbsentPolls,
		LastSyncAt:       st.LastSyncAt,
		LastTopUpAt:      st.LastTopUpAt,
		UpdatedAt:        at,
	}
}

// Trusted reports whether the countdown is backed by a confirmed session.
func (s *Snapshot) Trusted() bool {
	return s.Phase.Running() && s.AbsentPolls == 0
}
