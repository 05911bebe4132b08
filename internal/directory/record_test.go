package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRecord_Remove(t *testing.T) {
	rec := &SessionRecord{Nodes: []NodeLocation{at(nodeA, "c1"), at(nodeB, "c1"), at(nodeA, "c2")}}

	assert.True(t, rec.Remove(at(nodeA, "c1")))
	assert.Equal(t, []NodeLocation{at(nodeB, "c1"), at(nodeA, "c2")}, rec.Nodes, "identity is the full triple")

	assert.False(t, rec.Remove(at(nodeA, "c1")))
}

func TestSessionRecord_RemoveConnections(t *testing.T) {
	rec := &SessionRecord{Nodes: []NodeLocation{at(nodeA, "c1"), at(nodeB, "c1"), at(nodeA, "c2")}}

	n := rec.RemoveConnections(nodeA.IP, nodeA.Port, map[string]struct{}{"c1": {}})
	assert.Equal(t, 1, n)
	assert.Equal(t, []NodeLocation{at(nodeB, "c1"), at(nodeA, "c2")}, rec.Nodes)
}

func TestSessionRecord_Empty(t *testing.T) {
	var nilRec *SessionRecord
	assert.True(t, nilRec.Empty())
	assert.True(t, (&SessionRecord{}).Empty())
	assert.False(t, (&SessionRecord{Nodes: []NodeLocation{at(nodeA, "c")}}).Empty())
}
