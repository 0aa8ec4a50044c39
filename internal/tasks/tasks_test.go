package tasks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/worker"
)

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg)
	assert.Equal(t, []string{Double, FileStats}, reg.Names())
}

func TestDouble(t *testing.T) {
	out, err := double(context.Background(), json.RawMessage(`{"x": 2}`))
	require.NoError(t, err)
	assert.Equal(t, 4.0, out)

	out, err = double(context.Background(), json.RawMessage(`{"x": -1.5}`))
	require.NoError(t, err)
	assert.Equal(t, -3.0, out)

	for _, bad := range []string{`{}`, `{"x": "2"}`, `[]`} {
		_, err := double(context.Background(), json.RawMessage(bad))
		assert.True(t, domain.IsPermanent(err), bad)
	}
}

func TestFileStats(t *testing.T) {
	payload, err := json.Marshal(FileStatsInput{Contents: EncodeContents([]byte("one\ntwo\nthree\n"))})
	require.NoError(t, err)

	out, err := fileStats(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, FileStatsResult{Lines: 3, Characters: 14}, out)
}

func TestFileStatsCountsRunes(t *testing.T) {
	payload, err := json.Marshal(FileStatsInput{Contents: EncodeContents([]byte("žaba\n"))})
	require.NoError(t, err)

	out, err := fileStats(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, FileStatsResult{Lines: 1, Characters: 5}, out)
}

func TestFileStatsRejectsUndecodableInput(t *testing.T) {
	_, err := fileStats(context.Background(), json.RawMessage(`{"contents": "***"}`))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "failed to decode")

	payload, err := json.Marshal(FileStatsInput{Contents: EncodeContents([]byte{0xff, 0xfe})})
	require.NoError(t, err)
	_, err = fileStats(context.Background(), payload)
	assert.True(t, domain.IsPermanent(err))
}
