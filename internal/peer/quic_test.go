package peer

import (
	"context"
	"testing"
	"time"

	"rendersync/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQUICListener(t *testing.T) (*QUICChannel, []byte) {
	t.Helper()
	tlsConf, err := SelfSignedTLS()
	require.NoError(t, err)
	pk, err := PublicKey(tlsConf)
	require.NoError(t, err)

	srv, err := Listen(QUICConfig{ListenAddr: "127.0.0.1:0", TLSConfig: tlsConf, Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, pk
}

// sendWhenReady réessaie Send tant que la numérotation en arrière-plan n'a pas abouti.
func sendWhenReady(ctx context.Context, ch Channel, peerID string, msg *wire.Message, within time.Duration) error {
	deadline := time.Now().Add(within)
	for {
		err := ch.Send(ctx, peerID, msg)
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestQUICChannel_LoopbackWithPinnedKey(t *testing.T) {
	srv, pk := startQUICListener(t)

	cli := NewDialer(QUICConfig{Logger: discardLogger(), DialTimeout: 2 * time.Second})
	defer cli.Close()
	require.NoError(t, cli.Connect("farm-01", srv.Addr().String(), pk))

	ctx := context.Background()
	require.NoError(t, sendWhenReady(ctx, cli, "farm-01", wire.Hello("ws"), 5*time.Second))

	envs := pollUntil(t, srv, 5*time.Second)
	require.Len(t, envs, 1)
	assert.Equal(t, wire.KindHello, envs[0].Msg.Kind)
	assert.Equal(t, "ws", envs[0].Msg.NodeID)

	chunk := make([]byte, 64000)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	require.NoError(t, srv.Send(ctx, envs[0].PeerID, wire.HelloAck("farm-01")))
	require.NoError(t, srv.Send(ctx, envs[0].PeerID, wire.DataReply("scene.blend", 64000, "t/1", chunk)))

	var got []Envelope
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		envs, err := cli.Poll(20 * time.Millisecond)
		require.NoError(t, err)
		got = append(got, envs...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "farm-01", got[0].PeerID)
	assert.Equal(t, wire.KindHelloAck, got[0].Msg.Kind)
	assert.Equal(t, wire.KindFileDataReply, got[1].Msg.Kind)
	assert.True(t, wire.VerifyDigest(got[1].Msg.Data, got[1].Msg.Digest))
}

func TestQUICChannel_PinMismatchNeverConnects(t *testing.T) {
	srv, _ := startQUICListener(t)

	other, err := SelfSignedTLS()
	require.NoError(t, err)
	wrongKey, err := PublicKey(other)
	require.NoError(t, err)

	cli := NewDialer(QUICConfig{Logger: discardLogger(), DialTimeout: time.Second})
	defer cli.Close()
	require.NoError(t, cli.Connect("farm-01", srv.Addr().String(), wrongKey))

	err = sendWhenReady(context.Background(), cli, "farm-01", wire.Hello("ws"), 1500*time.Millisecond)
	assert.ErrorIs(t, err, ErrPeerNotConnected)
}

func TestQUICChannel_CloseStopsPoll(t *testing.T) {
	srv, _ := startQUICListener(t)
	require.NoError(t, srv.Close())

	_, err := srv.Poll(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestQUICChannel_AttachAfterDisconnectIsRefused(t *testing.T) {
	cli := NewDialer(QUICConfig{Logger: discardLogger()})
	defer cli.Close()

	l := &link{peerID: "farm-01", addr: "127.0.0.1:1", dialing: true}
	cli.mu.Lock()
	cli.links[l.peerID] = l
	cli.mu.Unlock()

	// Disconnect arrive entre la fin de la numérotation et l'installation.
	cli.Disconnect("farm-01")
	assert.False(t, cli.attach(l, nil, nil, discardLogger()))
	_, ready := l.ready()
	assert.False(t, ready)
	assert.False(t, l.dialing)

	// Un lien toujours enregistré reçoit son writer.
	current := &link{peerID: "farm-02", addr: "127.0.0.1:2", dialing: true}
	cli.mu.Lock()
	cli.links[current.peerID] = current
	cli.mu.Unlock()
	assert.True(t, cli.attach(current, nil, nil, discardLogger()))
	_, ready = current.ready()
	assert.True(t, ready)
}
