package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(attr string) *Condition {
	return &Condition{Op: OpLeaf, Attribute: attr}
}

func TestNormalizeDNFDistributesAndOverOr(t *testing.T) {
	// (a OR b) AND c  →  (a AND c) OR (b AND c)
	c := &Condition{Op: OpAnd, Children: []*Condition{
		{Op: OpOr, Children: []*Condition{leaf("a"), leaf("b")}},
		leaf("c"),
	}}

	dnf, err := NormalizeDNF(c, 100)
	require.NoError(t, err)
	require.Equal(t, OpOr, dnf.Op)
	require.Len(t, dnf.Children, 2)
	for _, group := range dnf.Children {
		assert.Equal(t, OpAnd, group.Op)
		assert.Len(t, group.Children, 2)
	}
}

func TestNormalizeDNFLeafBecomesSingletonGroup(t *testing.T) {
	dnf, err := NormalizeDNF(leaf("a"), 100)
	require.NoError(t, err)
	require.Len(t, dnf.Children, 1)
	require.Len(t, dnf.Children[0].Children, 1)
	assert.Equal(t, "a", dnf.Children[0].Children[0].Attribute)
}

func TestNormalizeDNFFallsBackOnComplexityOverflow(t *testing.T) {
	// AND of 4 binary ORs distributes into 16 groups; cap at 8.
	var ands []*Condition
	for i := 0; i < 4; i++ {
		ands = append(ands, &Condition{Op: OpOr, Children: []*Condition{leaf("x"), leaf("y")}})
	}
	c := &Condition{Op: OpAnd, Children: ands}

	dnf, err := NormalizeDNF(c, 8)
	assert.ErrorIs(t, err, ErrDNFComplexity)

	// The fallback is OR(AND(NOOPT(orig))): still evaluable, index-opaque.
	require.NotNil(t, dnf)
	require.Equal(t, OpOr, dnf.Op)
	require.Len(t, dnf.Children, 1)
	require.Equal(t, OpAnd, dnf.Children[0].Op)
	require.Len(t, dnf.Children[0].Children, 1)
	assert.Equal(t, OpNoOpt, dnf.Children[0].Children[0].Op)
}

func TestNormalizeDNFNoOptUnitIsOpaque(t *testing.T) {
	c := &Condition{Op: OpAnd, Children: []*Condition{
		NoOpt(&Condition{Op: OpOr, Children: []*Condition{leaf("a"), leaf("b")}}),
		leaf("c"),
	}}
	dnf, err := NormalizeDNF(c, 100)
	require.NoError(t, err)
	require.Len(t, dnf.Children, 1, "NOOPT subtree must not be distributed")
}
