package peerid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Separator joins the relay-assigned owner id and the mesh suffix.
const Separator = "P"

var (
	ErrEmpty         = errors.New("peer identity is empty")
	ErrEmptyOwner    = errors.New("peer identity has no owner")
	ErrEmptyMesh     = errors.New("peer identity has an empty mesh suffix")
	ErrTooManyParts  = errors.New("peer identity contains more than one separator")
	ErrOwnerSeparate = errors.New("owner id must not contain the separator")
)

// Identity names a participant. Owner is the id the relay server assigned to the
// client connection; Mesh distinguishes the mesh endpoint belonging to that owner.
type Identity struct {
	Owner string
	Mesh  string
}

// New returns the bare relay identity for owner.
func New(owner string) Identity {
	return Identity{Owner: owner}
}

// NewMesh returns a mesh identity for owner with a random numeric suffix.
func NewMesh(owner string) Identity {
	return Identity{Owner: owner, Mesh: NewMeshSuffix()}
}

// NewMeshSuffix returns a random decimal string usable as a mesh suffix.
func NewMeshSuffix() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000_000))
	if err != nil {
		panic(fmt.Sprintf("peerid: read random: %v", err))
	}
	return fmt.Sprintf("%012d", n.Int64())
}

// Parse reads an identity produced by String.
func Parse(s string) (Identity, error) {
	if s == "" {
		return Identity{}, ErrEmpty
	}
	parts := strings.Split(s, Separator)
	switch len(parts) {
	case 1:
		return Identity{Owner: parts[0]}, nil
	case 2:
		if parts[0] == "" {
			return Identity{}, ErrEmptyOwner
		}
		if parts[1] == "" {
			return Identity{}, ErrEmptyMesh
		}
		return Identity{Owner: parts[0], Mesh: parts[1]}, nil
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrTooManyParts, s)
	}
}

// MustParse is Parse for identities known to be valid.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// OwnerOf returns the owner part of s, or s itself when it cannot be parsed.
func OwnerOf(s string) string {
	id, err := Parse(s)
	if err != nil {
		return s
	}
	return id.Owner
}

func (id Identity) String() string {
	if id.Mesh == "" {
		return id.Owner
	}
	return id.Owner + Separator + id.Mesh
}

// Validate reports whether the identity survives a String/Parse round trip.
func (id Identity) Validate() error {
	if id.Owner == "" {
		return ErrEmptyOwner
	}
	if strings.Contains(id.Owner, Separator) || strings.Contains(id.Mesh, Separator) {
		return ErrOwnerSeparate
	}
	return nil
}

func (id Identity) IsZero() bool { return id.Owner == "" && id.Mesh == "" }

func (id Identity) IsMesh() bool { return id.Mesh != "" }

// WithMesh returns a copy of id carrying the given mesh suffix.
func (id Identity) WithMesh(suffix string) Identity {
	return Identity{Owner: id.Owner, Mesh: suffix}
}

// OwnerIdentity strips the mesh suffix.
func (id Identity) OwnerIdentity() Identity {
	return Identity{Owner: id.Owner}
}

func SameOwner(a, b Identity) bool {
	return a.Owner == b.Owner
}
