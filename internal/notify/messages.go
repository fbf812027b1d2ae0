package notify

import (
	"fmt"

	"github.com/goodtune/kbilling/internal/session"
)

// Message returns the text shown for effect e. An empty string means the
// effect is silent.
func Message(e session.Effect) string {
	switch e.Type {
	case session.EffectSessionStarted:
		customer, pkg := "Guest", "-"
		if e.Session != nil {
			if e.Session.CustomerName != "" {
				customer = e.Session.CustomerName
			}
			if e.Session.PackageName != "" {
				pkg = e.Session.PackageName
			}
		}
		return fmt.Sprintf("▶ Session started: %s (%s) - %s", customer, pkg, session.FormatCoarse(e.RemainingSeconds))
	case session.EffectTimeAdded:
		minutes := (e.Seconds + 30) / 60
		if minutes < 1 {
			minutes = 1
		}
		return fmt.Sprintf("⏰ Time added: +%d minutes", minutes)
	case session.EffectWarning:
		return fmt.Sprintf("⚠️ %s remaining!", session.FormatCoarse(e.Threshold))
	case session.EffectServerWarning:
		return e.Message
	case session.EffectSessionEnded:
		switch e.Reason {
		case session.ReasonExpired:
			return "⏰ Time expired! Session ended."
		case session.ReasonTerminated:
			return "Session terminated by operator"
		}
	}
	return ""
}
