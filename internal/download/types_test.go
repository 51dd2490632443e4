package download

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
)

func TestDownloadStateString(t *testing.T) {
	tests := []struct {
		state    DownloadState
		expected string
	}{
		{StateIdle, "idle"},
		{StatePreparing, "preparing"},
		{StateDownloading, "downloading"},
		{StateMerging, "merging"},
		{StateVerifying, "verifying"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{DownloadState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestParseState(t *testing.T) {
	for _, s := range AllStates {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseState("DOWNLOADING")
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, got)

	_, err = ParseState("paused")
	assert.Error(t, err)
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		State DownloadState `json:"state"`
	}{StateMerging})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"merging"}`, string(data))

	var out struct {
		State DownloadState `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"verifying"}`), &out))
	assert.Equal(t, StateVerifying, out.State)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"bogus"}`), &out))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	for _, s := range []DownloadState{StateIdle, StatePreparing, StateDownloading, StateMerging, StateVerifying} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DownloadState
		want     bool
	}{
		{StatePreparing, StateDownloading, true},
		{StateIdle, StateDownloading, true},
		{StateDownloading, StateMerging, true},
		{StateDownloading, StateIdle, true},
		{StateMerging, StateVerifying, true},
		{StateVerifying, StateCompleted, true},
		{StatePreparing, StateFailed, true},
		{StateMerging, StateFailed, true},
		{StateIdle, StateFailed, true},
		{StateMerging, StateIdle, false},
		{StateVerifying, StateIdle, false},
		{StateDownloading, StateCompleted, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateDownloading, false},
		{StateCompleted, StateDownloading, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestParseTaskType(t *testing.T) {
	assert.Equal(t, TaskTypeGGUFModel, ParseTaskType("gguf_model"))
	assert.Equal(t, TaskTypeGGUFModel, ParseTaskType(" GGUF "))
	assert.Equal(t, TaskTypeFile, ParseTaskType("file"))
	assert.Equal(t, TaskTypeFile, ParseTaskType(""))
}

func TestPartLength(t *testing.T) {
	assert.Equal(t, int64(2500), Part{Start: 0, End: 2499}.Length())
	assert.Equal(t, int64(1), Part{Start: 7, End: 7}.Length())
	assert.Equal(t, int64(-1), openPart.Length())
}

func TestPartError(t *testing.T) {
	err := &PartError{Index: 2, Attempt: 3, RolledBack: 10, Err: ErrRangeStatus}
	assert.Equal(t, "part 2 attempt 3: server did not honor range request", err.Error())
	assert.ErrorIs(t, err, ErrRangeStatus)
}

func TestWithDefaults(t *testing.T) {
	cfg := DownloadConfig{RetryCount: -1, MaxParts: 2}.withDefaults()
	assert.Equal(t, 0, cfg.RetryCount)
	assert.Equal(t, 2, cfg.MaxParts)
	assert.Equal(t, DefaultDownloadConfig().MinPartSize, cfg.MinPartSize)
	assert.Equal(t, DefaultDownloadConfig().UserAgent, cfg.UserAgent)
}

func TestConfigFromSettings(t *testing.T) {
	settings := config.DefaultConfig().Download
	cfg := ConfigFromSettings(settings)

	assert.Equal(t, settings.MaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, int64(settings.ChunkSize), cfg.ChunkSize)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.RetryMaxBackoff)
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, settings.CheckDiskSpace, cfg.CheckDiskSpace)

	settings.RetryCount = 0
	assert.Equal(t, 0, ConfigFromSettings(settings).withDefaults().RetryCount)
}
