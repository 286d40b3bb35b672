package recording

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordingLifecycle(t *testing.T) {
	dir := t.TempDir()
	stopped := make(chan struct{}, 1)

	rec, err := Start(1, "alice", dir, zap.NewNop(), func() { stopped <- struct{}{} })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		data := make([]byte, 104)
		data[1] = byte(i)
		for j := 4; j < 104; j++ {
			data[j] = byte(j)
		}
		rec.FeedFrame(data)
	}

	rec.Stop()

	info := rec.Info()
	require.EqualValues(t, 1, info.ChannelID)
	require.Equal(t, "alice", info.StartedBy)
	require.NotEmpty(t, info.FileName)

	fi, err := os.Stat(dir + "/" + info.FileName)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))
}

func TestRecordingFeedAfterStopIsNoop(t *testing.T) {
	dir := t.TempDir()
	rec, err := Start(2, "bob", dir, zap.NewNop(), nil)
	require.NoError(t, err)
	rec.Stop()

	require.NotPanics(t, func() {
		rec.FeedFrame(make([]byte, 104))
	})
}
