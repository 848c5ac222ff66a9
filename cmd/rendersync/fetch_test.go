package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rendersync/internal/control"
	"rendersync/internal/journal"
	"rendersync/internal/transfer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerSpecs(t *testing.T) {
	peers, err := parsePeerSpecs(
		[]string{"farm-01=10.0.0.5:7000, farm-01.lan:7000", "ws-2=ws-2:7000"},
		[]string{"farm-01=3059abcd"},
	)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "farm-01", peers[0].ID)
	assert.Equal(t, []string{"10.0.0.5:7000", "farm-01.lan:7000"}, peers[0].Endpoints)
	assert.Equal(t, "3059abcd", peers[0].PublicKey)
	assert.Empty(t, peers[1].PublicKey)

	for _, tc := range []struct {
		name  string
		specs []string
		pins  []string
	}{
		{"missing endpoints", []string{"farm-01"}, nil},
		{"empty id", []string{"=host:7000"}, nil},
		{"only commas", []string{"farm-01=,,"}, nil},
		{"bad pin", []string{"farm-01=host:7000"}, []string{"farm-01"}},
		{"pin for unknown peer", []string{"farm-01=host:7000"}, []string{"ws-9=abcd"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePeerSpecs(tc.specs, tc.pins)
			assert.Error(t, err)
		})
	}
}

func TestParseFileSpecs(t *testing.T) {
	cmds, err := parseFileSpecs([]string{"scenes/shot010.blend", "textures/wood.exr=/cache/wood.exr"}, "incoming", "farm-01")
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, control.OpTransferRequest, cmds[0].Op)
	assert.Equal(t, "scenes/shot010.blend", cmds[0].SourceFileID)
	assert.Equal(t, filepath.Join("incoming", "scenes", "shot010.blend"), cmds[0].DestPath)
	assert.Equal(t, "farm-01", cmds[0].PeerID)
	assert.Equal(t, "fetch-1", cmds[0].CorrelationID)

	assert.Equal(t, "/cache/wood.exr", cmds[1].DestPath)
	assert.Equal(t, "fetch-2", cmds[1].CorrelationID)

	_, err = parseFileSpecs(nil, ".", "farm-01")
	assert.Error(t, err)
	_, err = parseFileSpecs([]string{"a.bin="}, ".", "farm-01")
	assert.Error(t, err)
	_, err = parseFileSpecs([]string{"=dest"}, ".", "farm-01")
	assert.Error(t, err)
}

func TestWaitTransfersCountsFailures(t *testing.T) {
	requests := []control.Command{
		control.TransferRequest("a.bin", "/tmp/a.bin", "farm-01", "fetch-1"),
		control.TransferRequest("b.bin", "/tmp/b.bin", "farm-01", "fetch-2"),
	}
	notes := make(chan control.Notification, 8)
	notes <- control.Notification{Kind: control.KindConnected, PeerID: "farm-01", Endpoint: "farm:7000"}
	notes <- control.Notification{Kind: control.KindProgress, CorrelationID: "fetch-1", Percent: 100}
	notes <- control.Notification{Kind: control.KindComplete, CorrelationID: "fetch-1", Stats: &transfer.Stats{Bytes: 42}}
	notes <- control.Notification{Kind: control.KindComplete, CorrelationID: "other"}
	notes <- control.Notification{Kind: control.KindFailed, CorrelationID: "fetch-2", Reason: "no such file"}

	var out bytes.Buffer
	failed, stopped, err := waitTransfers(context.Background(), notes, make(chan error), requests, &out)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "connected to farm-01 at farm:7000")
	assert.Contains(t, out.String(), "a.bin complete: 42 bytes")
	assert.Contains(t, out.String(), "b.bin failed: no such file")
}

func TestWaitTransfersSchedulerStopped(t *testing.T) {
	requests := []control.Command{control.TransferRequest("a.bin", "/tmp/a.bin", "farm-01", "fetch-1")}
	runErr := make(chan error, 1)
	runErr <- errors.New("channel closed")

	failed, stopped, err := waitTransfers(context.Background(), make(chan control.Notification), runErr, requests, &bytes.Buffer{})
	assert.EqualError(t, err, "channel closed")
	assert.True(t, stopped)
	assert.Equal(t, 1, failed)
}

func TestPrintEntries(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []journal.Entry{
		{TaskID: "t1", PeerID: "farm-01", FileID: "scenes/shot010.blend", Status: journal.StatusComplete,
			Started: started, Stats: &transfer.Stats{Bytes: 1024, Duration: 1500 * time.Millisecond}},
		{TaskID: "t2", PeerID: "farm-01", FileID: "missing.exr", Status: journal.StatusFailed,
			Started: started, Reason: "no such file"},
	}
	var out bytes.Buffer
	require.NoError(t, printEntries(&out, entries))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "STATUS")
	assert.Contains(t, string(lines[1]), "1.5s")
	assert.Contains(t, string(lines[2]), "no such file")
}
