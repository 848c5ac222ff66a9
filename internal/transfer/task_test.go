package transfer

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rendersync/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	sent []*wire.Message
	err  error
}

func (r *recorder) send(m *wire.Message) error {
	r.sent = append(r.sent, m)
	return r.err
}

// take rend les messages émis depuis le dernier appel.
func (r *recorder) take() []*wire.Message {
	out := r.sent
	r.sent = nil
	return out
}

func assetBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}

func newTestTask(t *testing.T, params Params) *Task {
	t.Helper()
	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "scene.blend")
	return New(Config{
		ID:            "task-1",
		CorrelationID: "corr-1",
		PeerID:        "farm-01",
		FileID:        "scene.blend",
		Dest:          dest,
		StagingPath:   StagingPath(filepath.Join(dir, "staging"), dest),
		Params:        params,
		Logger:        discardLogger(),
	}, time.Now())
}

// answer construit les réponses du pair à une requête FILE_DATA.
func answer(data []byte, req *wire.Message) []*wire.Message {
	var out []*wire.Message
	for _, r := range req.Ranges {
		end := r.Offset + r.Length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, wire.DataReply(req.FileID, r.Offset, req.RequestID, bytes.Clone(data[r.Offset:end])))
	}
	return out
}

// startTransfer passe la tâche en REQUESTING_DATA pour un fichier de size octets.
func startTransfer(t *testing.T, task *Task, rec *recorder, now time.Time, size int64) {
	t.Helper()
	task.Act(now, rec.send)
	sent := rec.take()
	require.Len(t, sent, 1)
	require.Equal(t, wire.KindFileInfoRequest, sent[0].Kind)
	task.Deliver(wire.InfoReply(task.FileID, size, sent[0].RequestID))
	task.HandleReceived(now)
	require.Equal(t, StateRequestingData, task.State())
}

func rangeOffsets(m *wire.Message) []int64 {
	out := make([]int64, len(m.Ranges))
	for i, r := range m.Ranges {
		out[i] = r.Offset
	}
	return out
}

func TestTask_WindowOfTwoIssuesTwoThenTwo(t *testing.T) {
	data := assetBytes(200000)
	task := newTestTask(t, Params{Window: 2})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, int64(len(data)))
	assert.Equal(t, []int64{0, 64000, 128000, 192000}, task.Plan().Offsets())

	task.Act(now, rec.send)
	first := rec.take()
	require.Len(t, first, 1)
	assert.Equal(t, []int64{0, 64000}, rangeOffsets(first[0]))
	assert.Equal(t, 2, task.InFlight())

	// Rien de plus tant que la fenêtre est occupée.
	task.Act(now.Add(10*time.Millisecond), rec.send)
	assert.Empty(t, rec.take())

	for _, m := range answer(data, first[0]) {
		task.Deliver(m)
	}
	now = now.Add(50 * time.Millisecond)
	task.HandleReceived(now)
	task.Act(now, rec.send)
	second := rec.take()
	require.Len(t, second, 1)
	assert.Equal(t, []int64{128000, 192000}, rangeOffsets(second[0]))
	assert.Equal(t, int64(8000), second[0].Ranges[1].Length)

	for _, m := range answer(data, second[0]) {
		task.Deliver(m)
	}
	task.HandleReceived(now.Add(50 * time.Millisecond))
	require.Equal(t, StateComplete, task.State())

	got, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, err = os.Stat(task.StagingPath)
	assert.True(t, os.IsNotExist(err), "staging file moved away")

	st := task.Stats()
	assert.Equal(t, 4, st.Chunks)
	assert.Equal(t, int64(200000), st.Bytes)
	assert.Equal(t, 2, st.RTTSamples, "one sample per batch")
	assert.Equal(t, 50*time.Millisecond, st.MeanRTT)
}

func TestTask_DigestMismatchKeepsOffsetOutstanding(t *testing.T) {
	data := assetBytes(200000)
	task := newTestTask(t, Params{})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, int64(len(data)))

	task.Act(now, rec.send)
	req := rec.take()[0]
	replies := answer(data, req)
	for _, m := range replies {
		if m.Offset == 64000 {
			bad := *m
			bad.Data = bytes.Clone(m.Data)
			bad.Data[10] ^= 0xff
			task.Deliver(&bad)
			continue
		}
		task.Deliver(m)
	}
	task.HandleReceived(now)

	require.Equal(t, StateRequestingData, task.State())
	assert.Equal(t, 1, task.BadDigests(64000))
	assert.False(t, task.Plan().IsReceived(64000))
	assert.Equal(t, 1, task.Plan().Remaining())

	// Les octets non vérifiés n'ont pas touché le staging.
	staged, err := os.ReadFile(task.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64000), staged[64000:128000])
	assert.Equal(t, data[:64000], staged[:64000])

	for _, m := range replies {
		if m.Offset == 64000 {
			task.Deliver(m)
		}
	}
	task.HandleReceived(now)
	require.Equal(t, StateComplete, task.State())
	got, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, task.Stats().BadDigests)
}

func TestTask_DuplicateChunksAreIdempotent(t *testing.T) {
	data := assetBytes(130000)
	task := newTestTask(t, Params{})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, int64(len(data)))

	task.Act(now, rec.send)
	replies := answer(data, rec.take()[0])
	require.Len(t, replies, 3)

	task.Deliver(replies[0])
	task.Deliver(replies[0])
	task.Deliver(replies[1])
	task.HandleReceived(now)
	assert.Equal(t, 1, task.Duplicates(0))
	progress := task.TakeProgress()
	require.Len(t, progress, 2, "a duplicate does not report progress")

	task.Deliver(replies[1])
	task.Deliver(replies[2])
	task.HandleReceived(now)
	require.Equal(t, StateComplete, task.State())

	got, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2, task.Stats().Duplicates)
}

func TestTask_ZeroSizeFileCompletesImmediately(t *testing.T) {
	task := newTestTask(t, Params{})
	rec := &recorder{}
	now := time.Now()
	task.Act(now, rec.send)
	req := rec.take()[0]
	task.Deliver(wire.InfoReply(task.FileID, 0, req.RequestID))
	task.HandleReceived(now)

	require.Equal(t, StateComplete, task.State())
	info, err := os.Stat(task.Dest)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestTask_InfoResendAndTimeout(t *testing.T) {
	task := newTestTask(t, Params{InfoTimeout: 5 * time.Second, MaxTimeout: 30 * time.Second})
	rec := &recorder{}
	start := time.Now()

	task.Act(start, rec.send)
	require.Len(t, rec.take(), 1)
	task.Act(start.Add(4*time.Second), rec.send)
	assert.Empty(t, rec.take())
	task.Act(start.Add(5*time.Second), rec.send)
	resent := rec.take()
	require.Len(t, resent, 1)
	assert.Equal(t, RequestID("task-1", 2), resent[0].RequestID)

	task.Act(start.Add(30*time.Second), rec.send)
	assert.Equal(t, StateRequestingInfo, task.State())
	task.Act(start.Add(30*time.Second+time.Millisecond), rec.send)
	assert.Equal(t, StateFailed, task.State())
	assert.Contains(t, task.Reason(), "no FILE_INFO reply")
}

func TestTask_InactivityConsumesRetriesThenFails(t *testing.T) {
	task := newTestTask(t, Params{Retries: 1, MaxTimeout: time.Second})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, 100000)

	task.Act(now, rec.send)
	require.Len(t, rec.take(), 1)

	// Premier silence : un retry consommé, toute la fenêtre redemandée.
	task.Act(now.Add(1100*time.Millisecond), rec.send)
	again := rec.take()
	require.Len(t, again, 1)
	assert.Equal(t, []int64{0, 64000}, rangeOffsets(again[0]))
	assert.Equal(t, StateRequestingData, task.State())

	task.Act(now.Add(2200*time.Millisecond), rec.send)
	assert.Equal(t, StateFailed, task.State())
	assert.Contains(t, task.Reason(), "retries exhausted")
	assert.Contains(t, task.Reason(), "2 chunks not transferred")
	_, err := os.Stat(task.StagingPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(task.Dest)
	assert.True(t, os.IsNotExist(err))
}

func TestTask_ZeroParamsUseDefaultRetries(t *testing.T) {
	task := newTestTask(t, Params{MaxTimeout: time.Second})
	assert.Equal(t, DefaultRetries, task.params.Retries)

	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, 100000)
	task.Act(now, rec.send)
	rec.take()

	// Chaque silence consomme un retry; le cinquième fait échouer la tâche.
	for i := 1; i <= DefaultRetries; i++ {
		task.Act(now.Add(time.Duration(i)*1100*time.Millisecond), rec.send)
		require.Equal(t, StateRequestingData, task.State(), "after silence %d", i)
	}
	task.Act(now.Add(time.Duration(DefaultRetries+1)*1100*time.Millisecond), rec.send)
	assert.Equal(t, StateFailed, task.State())
	assert.Contains(t, task.Reason(), "retries exhausted")
}

func TestTask_NegativeRetriesFailOnFirstSilence(t *testing.T) {
	task := newTestTask(t, Params{Retries: NoRetries, MaxTimeout: time.Second})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, 100000)
	task.Act(now, rec.send)

	task.Act(now.Add(1100*time.Millisecond), rec.send)
	assert.Equal(t, StateFailed, task.State())
}

func TestTask_WindowExpiryRerequests(t *testing.T) {
	data := assetBytes(128000)
	task := newTestTask(t, Params{})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, int64(len(data)))

	task.Act(now, rec.send)
	req := rec.take()[0]
	assert.Equal(t, DefaultRequestTimeout, task.Timeout())
	task.Deliver(answer(data, req)[0]) // 64000 perdu
	task.HandleReceived(now.Add(100 * time.Millisecond))

	// 1 échantillon : l'échéance suivante passe à 10 s.
	task.Act(now.Add(DefaultRequestTimeout), rec.send)
	retry := rec.take()
	require.Len(t, retry, 1)
	assert.Equal(t, []int64{64000}, rangeOffsets(retry[0]))
	assert.Equal(t, FallbackRequestTimeout, task.Timeout())
}

func TestTask_ErrorReplyFailsImmediately(t *testing.T) {
	task := newTestTask(t, Params{})
	rec := &recorder{}
	now := time.Now()
	task.Act(now, rec.send)
	req := rec.take()[0]

	task.Deliver(wire.ErrorReply(task.FileID, req.RequestID, "file not found: scene.blend"))
	task.HandleReceived(now)
	assert.Equal(t, StateFailed, task.State())
	assert.Contains(t, task.Reason(), "file not found")
	assert.False(t, task.Fail(now, "again"), "terminal outcome is reported once")
}

func TestTask_CancelReleasesEverything(t *testing.T) {
	task := newTestTask(t, Params{Window: 2})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, 300000)
	task.Act(now, rec.send)
	require.Equal(t, 2, task.InFlight())

	require.True(t, task.Cancel(now, "cancelled by operator"))
	assert.Equal(t, StateCancelled, task.State())
	assert.Zero(t, task.InFlight())
	_, err := os.Stat(task.StagingPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(task.Dest)
	assert.True(t, os.IsNotExist(err))

	assert.False(t, task.Cancel(now, "twice"))
	task.Deliver(wire.InfoReply(task.FileID, 1, "task-1/1"))
	assert.False(t, task.HasInbox())
}

func TestTask_SendErrorsAreRetriedByTimers(t *testing.T) {
	task := newTestTask(t, Params{InfoTimeout: time.Second})
	rec := &recorder{err: assert.AnError}
	now := time.Now()
	task.Act(now, rec.send)
	task.Act(now.Add(time.Second), rec.send)
	assert.Len(t, rec.take(), 2)
	assert.Equal(t, StateRequestingInfo, task.State())
}

// Pair simulé avec pertes, doublons et désordre : la fenêtre reste bornée,
// l'avancement ne recule jamais et le fichier final est exact.
func TestTask_LossyPeerProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := assetBytes(64000*40 + 123)
	const window = 8
	task := newTestTask(t, Params{Window: window, MaxTimeout: time.Hour})
	rec := &recorder{}
	now := time.Now()
	startTransfer(t, task, rec, now, int64(len(data)))

	var wireQueue []*wire.Message
	lastPct := 0.0
	for i := 0; i < 10000 && task.State() == StateRequestingData; i++ {
		now = now.Add(100 * time.Millisecond)
		for _, req := range rec.take() {
			for _, m := range answer(data, req) {
				switch x := rng.Intn(10); {
				case x < 3: // perdu
				case x < 5:
					wireQueue = append(wireQueue, m, m)
				case x < 6:
					bad := *m
					bad.Data = bytes.Clone(m.Data)
					bad.Data[0] ^= 1
					wireQueue = append(wireQueue, &bad)
				default:
					wireQueue = append(wireQueue, m)
				}
			}
		}
		rng.Shuffle(len(wireQueue), func(a, b int) { wireQueue[a], wireQueue[b] = wireQueue[b], wireQueue[a] })
		for _, m := range wireQueue {
			task.Deliver(m)
		}
		wireQueue = nil

		if task.HasInbox() {
			task.HandleReceived(now)
		}
		for _, pct := range task.TakeProgress() {
			require.GreaterOrEqual(t, pct, lastPct)
			lastPct = pct
		}
		task.Act(now, rec.send)
		require.LessOrEqual(t, task.InFlight(), window)
	}

	require.Equal(t, StateComplete, task.State())
	assert.InDelta(t, 100, lastPct, 1e-9)
	got, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestParseRequestID(t *testing.T) {
	id := RequestID("6f1c9c6e-0d7c-4f0e-9f51-1d1f1f1f1f1f", 12)
	task, seq, ok := ParseRequestID(id)
	require.True(t, ok)
	assert.Equal(t, "6f1c9c6e-0d7c-4f0e-9f51-1d1f1f1f1f1f", task)
	assert.Equal(t, 12, seq)

	for _, bad := range []string{"", "noslash", "/3", "a/b"} {
		_, _, ok := ParseRequestID(bad)
		assert.False(t, ok, bad)
	}
}

func TestStagingPath_StablePerDestination(t *testing.T) {
	a := StagingPath("/tmp/st", "/renders/out/frame.exr")
	b := StagingPath("/tmp/st", "/renders/out/../out/frame.exr")
	c := StagingPath("/tmp/st", "/renders/out/frame2.exr")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, ".part", filepath.Ext(a))
}
