package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerAt(t *testing.T) {
	l := List{"A", "B", "C"}

	next, err := l.PeerAt("B", 1)
	require.NoError(t, err)
	assert.Equal(t, "C", next)

	prev, err := l.PeerAt("B", -1)
	require.NoError(t, err)
	assert.Equal(t, "A", prev)

	_, err = l.PeerAt("B", 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = l.PeerAt("Z", 0)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestPeersAndPreceding(t *testing.T) {
	l := List{"A", "B", "C"}

	assert.Equal(t, []string{"A", "C"}, l.Peers("B"))
	assert.Equal(t, []string{"A", "B"}, l.Preceding("C"))
	assert.Nil(t, l.Preceding("A"))
	assert.Nil(t, l.Preceding("Z"))
}

func TestChangedBefore(t *testing.T) {
	tests := []struct {
		name string
		prev List
		next List
		want bool
	}{
		{name: "identical", prev: List{"A", "B", "C"}, next: List{"A", "B", "C"}, want: false},
		{name: "change after self", prev: List{"A", "B", "C"}, next: List{"A", "B", "D"}, want: false},
		{name: "change before self", prev: List{"A", "B", "C"}, next: List{"X", "B", "C"}, want: true},
		{name: "self moved", prev: List{"A", "B"}, next: List{"B", "A"}, want: true},
		{name: "self joined", prev: nil, next: List{"A", "B"}, want: true},
		{name: "self first", prev: List{"B"}, next: List{"B", "C", "D"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChangedBefore(tt.prev, tt.next, "B"))
		})
	}
}

func TestSortedMembership(t *testing.T) {
	var l List
	l = l.Add("c").Add("a").Add("b").Add("a")
	assert.Equal(t, List{"a", "b", "c"}, l)

	l2 := l.Remove("b")
	assert.Equal(t, List{"a", "c"}, l2)
	assert.Equal(t, List{"a", "b", "c"}, l, "Remove must not alias the receiver")

	assert.Equal(t, List{"b"}, l.RemoveAll([]string{"a", "c", "q"}))
	assert.True(t, l.Equal(List{"a", "b", "c"}))
}
