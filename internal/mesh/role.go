package mesh

import "fmt"

// Role names one of the independent negotiation tracks held with a peer.
// Each role owns its own peer connection and offer/answer rounds.
type Role string

const (
	RoleSignaling Role = "signaling"
	RoleData      Role = "data"
	RoleMedia     Role = "media"
)

var allRoles = []Role{RoleSignaling, RoleData, RoleMedia}

func ParseRole(s string) (Role, error) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// HasChannel reports whether the role negotiates a bulk data channel. The
// media role carries only tracks.
func (r Role) HasChannel() bool {
	return r != RoleMedia
}

// ChannelLabel is the data channel label used for the role.
func (r Role) ChannelLabel() string {
	return "mesh-" + string(r)
}
