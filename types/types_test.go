package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOfPartitionsRelationshipTypes(t *testing.T) {
	assert.Equal(t, ClassStructural, ClassOf(RelContains))
	assert.Equal(t, ClassStructural, ClassOf(RelContainedBy))
	assert.Equal(t, ClassStructural, ClassOf(RelNextSibling))
	assert.Equal(t, ClassLink, ClassOf(RelLink))
	assert.Equal(t, ClassSemantic, ClassOf(RelSemantic))
	assert.Equal(t, ClassSemantic, ClassOf(RelDerivedFrom))
	assert.Equal(t, ClassSemantic, ClassOf(RelationshipType("something_unseen")))
}

func TestRelationshipCrossDocument(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]any
		want     bool
	}{
		{"nil metadata", nil, false},
		{"missing key", map[string]any{}, false},
		{"true", map[string]any{"cross_document": true}, true},
		{"false", map[string]any{"cross_document": false}, false},
		{"wrong type", map[string]any{"cross_document": "yes"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Relationship{Metadata: c.metadata}
			assert.Equal(t, c.want, r.CrossDocument())
		})
	}
}

func TestQueueStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.False(t, StateRetry.Terminal())
}
