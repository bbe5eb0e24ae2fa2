package rabbitmq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStoryMessage(t *testing.T) {
	body, err := json.Marshal(StoryMessage{StoryID: "01STORY"})
	require.NoError(t, err)

	m, err := DecodeStoryMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "01STORY", m.StoryID)

	_, err = DecodeStoryMessage([]byte(`{"job_id":"x"}`))
	assert.Error(t, err)

	_, err = DecodeStoryMessage([]byte(`not json`))
	assert.Error(t, err)
}
