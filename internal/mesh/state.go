package mesh

import (
	"encoding/json"
	"strings"
)

// ConnectionState is the set of negotiation steps completed for one peer/role.
type ConnectionState uint8

const (
	OfferCreated ConnectionState = 1 << iota
	LocalDescriptionSet
	DescriptionSent
	RemoteDescriptionSet
	CandidatesSent
	CandidatesReceived
)

var stateNames = []struct {
	flag ConnectionState
	name string
}{
	{OfferCreated, "offerCreated"},
	{LocalDescriptionSet, "localDescriptionSet"},
	{DescriptionSent, "descriptionSent"},
	{RemoteDescriptionSet, "remoteDescriptionSet"},
	{CandidatesSent, "candidatesSent"},
	{CandidatesReceived, "candidatesReceived"},
}

func (s ConnectionState) Has(flag ConnectionState) bool {
	return s&flag == flag
}

func (s *ConnectionState) Set(flag ConnectionState) {
	*s |= flag
}

func (s *ConnectionState) Reset() {
	*s = 0
}

// CanApplyCandidates reports whether both descriptions are in place, which is
// the precondition for handing remote candidates to the transport.
func (s ConnectionState) CanApplyCandidates() bool {
	return s.Has(LocalDescriptionSet | RemoteDescriptionSet)
}

// Names lists the set flags in negotiation order.
func (s ConnectionState) Names() []string {
	names := []string{}
	for _, n := range stateNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

// ParseState is the inverse of Names. Unknown names are ignored.
func ParseState(names []string) ConnectionState {
	var s ConnectionState
	for _, name := range names {
		for _, n := range stateNames {
			if n.name == name {
				s.Set(n.flag)
			}
		}
	}
	return s
}

func (s ConnectionState) String() string {
	names := s.Names()
	if len(names) == 0 {
		return "idle"
	}
	return strings.Join(names, "|")
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = ParseState(names)
	return nil
}
