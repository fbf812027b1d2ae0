package device

import (
	"strconv"
	"strings"
)

// DefaultPrefix is prepended to hardware ids by the billing station firmware.
const DefaultPrefix = "ATV_"

// Identity describes the station this agent runs on.
type Identity struct {
	ID       string
	Prefix   string
	Name     string
	Location string
}

// New builds an Identity. An empty prefix falls back to DefaultPrefix.
func New(id, prefix, name, location string) Identity {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Identity{
		ID:       strings.TrimSpace(id),
		Prefix:   prefix,
		Name:     name,
		Location: location,
	}
}

// Raw returns the id without the firmware prefix. The server keys the
// active-session endpoint by this form.
func (i Identity) Raw() string {
	return strings.TrimPrefix(i.ID, i.Prefix)
}

// Prefixed returns the id with the firmware prefix.
func (i Identity) Prefixed() string {
	return i.Prefix + i.Raw()
}

// Username is the socket user name the server expects for a device.
func (i Identity) Username() string {
	return "android_tv_" + i.ID
}

// Matches reports whether ref names this device in any of its accepted forms.
func (i Identity) Matches(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || i.ID == "" {
		return false
	}
	return ref == i.ID || ref == i.Raw() || ref == i.Prefixed()
}

// MatchesDatabaseID reports whether ref is the numeric database id dbID.
// Timer broadcasts carry the integer row id instead of the hardware id.
func MatchesDatabaseID(ref string, dbID int) bool {
	if dbID <= 0 {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(ref))
	return err == nil && n == dbID
}
