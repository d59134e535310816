package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStagesNil(t *testing.T) {
	raw, err := EncodeStages(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestDecodeStagesEmpty(t *testing.T) {
	stages, err := DecodeStages("")
	require.NoError(t, err)
	assert.NotNil(t, stages)
	assert.Empty(t, stages)

	_, err = DecodeStages("{")
	assert.Error(t, err)
}

func TestStageWireShape(t *testing.T) {
	raw, err := EncodeStages([]MessageStage{{ID: "a", Type: StageTypeImageGen, Content: &StageContent{Type: ContentTypeVision, Value: "https://cdn/x.png"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a","type":"image_gen","content":{"type":"vision","value":"https://cdn/x.png"}}]`, raw)
}

func TestMessageStateTerminal(t *testing.T) {
	assert.False(t, MessageStateCreated.IsTerminal())
	assert.False(t, MessageStateStreaming.IsTerminal())
	assert.True(t, MessageStateCompleted.IsTerminal())
	assert.True(t, MessageStateFailed.IsTerminal())
}

func TestStageTypeAppends(t *testing.T) {
	assert.True(t, StageTypeText.Appends())
	assert.True(t, StageTypeReasoning.Appends())
	assert.False(t, StageTypeImageGen.Appends())
	assert.False(t, StageTypeWebSearch.Appends())
}
