package network

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatx/models"
)

func startTestNode(t *testing.T, name string, tcpFrom, udpFrom int, downloadDir string, events Events) *Node {
	t.Helper()
	node, err := StartNode(NodeConfig{
		Name:     name,
		TCPRange: PortRange{From: tcpFrom, To: tcpFrom + 9},
		UDPRange: PortRange{From: udpFrom, To: udpFrom + 9},
		Transfer: TransferConfig{ChunkSize: 1024, DownloadDir: downloadDir},
		Events:   events,
		Logger:   quietTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func loopbackRecord(name string, node *Node) models.PeerRecord {
	return models.PeerRecord{Name: name, Host: "127.0.0.1", TCPPort: node.Ports().TCP}
}

func TestNodesExchangeTextAndFiles(t *testing.T) {
	aliceDir, bobDir := t.TempDir(), t.TempDir()
	aliceEv, bobEv := newMessageRecorder(), newMessageRecorder()

	alice := startTestNode(t, "alice", 42400, 42500, aliceDir, aliceEv)
	bob := startTestNode(t, "bob", 42410, 42510, bobDir, bobEv)

	pc, err := bob.Connect(loopbackRecord("alice", alice))
	require.NoError(t, err)
	require.Equal(t, "alice", pc.PeerName())

	// The inbound side registers the connection after its handshake.
	require.Eventually(t, func() bool {
		_, ok := alice.Peer("bob")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.SendText("alice", "hi alice"))
	require.Equal(t, "bob: hi alice", waitMessage(t, aliceEv))

	require.NoError(t, alice.SendText("bob", "hi bob"))
	require.Equal(t, "alice: hi bob", waitMessage(t, bobEv))

	src, want := writeRandomFile(t, t.TempDir(), "album.zip", 8*1024+123)
	id, err := bob.SendFile("alice", src)
	require.NoError(t, err)

	require.Equal(t, statusEvent{id: id, status: models.TransferComplete}, waitFinished(t, &bobEv.transferRecorder))
	require.Equal(t, models.TransferComplete, waitFinished(t, &aliceEv.transferRecorder).status)

	got, err := os.ReadFile(filepath.Join(aliceDir, "album.zip"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestConnectReusesExistingConnection(t *testing.T) {
	aliceEv, bobEv := newMessageRecorder(), newMessageRecorder()
	alice := startTestNode(t, "alice", 42420, 42520, t.TempDir(), aliceEv)
	bob := startTestNode(t, "bob", 42430, 42530, t.TempDir(), bobEv)

	first, err := bob.Connect(loopbackRecord("alice", alice))
	require.NoError(t, err)
	second, err := bob.Connect(loopbackRecord("alice", alice))
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestConnectToUnreachablePeer(t *testing.T) {
	bob := startTestNode(t, "bob", 42440, 42540, t.TempDir(), newMessageRecorder())

	_, err := bob.Connect(models.PeerRecord{Name: "ghost", Host: "127.0.0.1", TCPPort: 1})
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestSendToUnconnectedPeer(t *testing.T) {
	bob := startTestNode(t, "bob", 42450, 42550, t.TempDir(), newMessageRecorder())

	require.ErrorIs(t, bob.SendText("nobody", "hello"), ErrPeerUnavailable)
	_, err := bob.SendFile("nobody", "does-not-matter")
	require.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestNodeCloseDisconnectsPeers(t *testing.T) {
	aliceEv, bobEv := newMessageRecorder(), newMessageRecorder()
	alice := startTestNode(t, "alice", 42460, 42560, t.TempDir(), aliceEv)
	bob := startTestNode(t, "bob", 42470, 42570, t.TempDir(), bobEv)

	_, err := bob.Connect(loopbackRecord("alice", alice))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := alice.Peer("bob")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())

	select {
	case name := <-aliceEv.disconnects:
		require.Equal(t, "bob", name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}

	require.Eventually(t, func() bool {
		_, ok := alice.Peer("bob")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeReleasesPortsOnClose(t *testing.T) {
	node := startTestNode(t, "solo", 42480, 42580, t.TempDir(), newMessageRecorder())
	ports := node.Ports()
	require.NoError(t, node.Close())

	// The listener is down and the port is bindable again.
	require.Eventually(t, func() bool {
		return probeTCP(ports.TCP)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAbortTransferUnknownID(t *testing.T) {
	node := startTestNode(t, "solo", 42490, 42590, t.TempDir(), newMessageRecorder())
	require.ErrorIs(t, node.AbortTransfer("missing"), ErrUnknownTransfer)
}
