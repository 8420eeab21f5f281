package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"chatx/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func startTestServer(t *testing.T, heartbeat time.Duration) *Server {
	t.Helper()
	server, err := Listen("127.0.0.1:0", ServerOptions{
		HeartbeatInterval: heartbeat,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func registerClient(t *testing.T, server *Server, name string, heartbeat time.Duration, lists chan []models.PeerRecord) (*Registrar, []models.PeerRecord) {
	t.Helper()
	registrar, snapshot, err := Register(RegistrarOptions{
		ServerAddr:        server.Addr().String(),
		Name:              name,
		TCPPort:           6000,
		UDPPort:           7000,
		HeartbeatInterval: heartbeat,
		OnPeerList: func(peers []models.PeerRecord) {
			if lists != nil {
				lists <- peers
			}
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registrar.Close() })
	return registrar, snapshot
}

func peerNames(peers []models.PeerRecord) []string {
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Name)
	}
	return names
}

// waitForList reads pushed snapshots until one matches or the timeout hits.
func waitForList(t *testing.T, lists chan []models.PeerRecord, want []string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case peers := <-lists:
			got := peerNames(peers)
			if len(got) == len(want) {
				match := true
				for i := range got {
					if got[i] != want[i] {
						match = false
						break
					}
				}
				if match {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for peer list %v", want)
		}
	}
}

func TestRegisterReturnsSnapshotExcludingSelf(t *testing.T) {
	server := startTestServer(t, time.Second)

	aliceLists := make(chan []models.PeerRecord, 16)
	_, aliceSnapshot := registerClient(t, server, "alice", time.Second, aliceLists)
	require.Empty(t, aliceSnapshot)

	_, bobSnapshot := registerClient(t, server, "bob", time.Second, nil)
	require.Equal(t, []string{"alice"}, peerNames(bobSnapshot))

	// Alice learns about bob through a pushed delta.
	waitForList(t, aliceLists, []string{"bob"})
	require.Equal(t, 2, server.PeerCount())
}

func TestDuplicateNameRejected(t *testing.T) {
	server := startTestServer(t, time.Second)

	first, _ := registerClient(t, server, "alice", time.Second, nil)

	_, _, err := Register(RegistrarOptions{
		ServerAddr: server.Addr().String(),
		Name:       "alice",
		TCPPort:    6001,
		UDPPort:    7001,
		Logger:     quietLogger(),
	})
	require.ErrorIs(t, err, ErrDuplicateName)

	// The original registration is untouched.
	require.Equal(t, 1, server.PeerCount())
	select {
	case <-first.Done():
		t.Fatal("first registration must survive a duplicate attempt")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatForUnknownPeerReturnsError(t *testing.T) {
	server := startTestServer(t, time.Second)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	require.NoError(t, enc.Encode(Message{Type: TypeHeartbeat, Name: "ghost"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply Message
	require.NoError(t, dec.Decode(&reply))
	require.Equal(t, TypeError, reply.Type)
	require.Equal(t, CodeUnknownPeer, reply.Code)
}

func TestUnregisterBroadcastsRemoval(t *testing.T) {
	server := startTestServer(t, time.Second)

	aliceLists := make(chan []models.PeerRecord, 16)
	registerClient(t, server, "alice", time.Second, aliceLists)
	bob, _ := registerClient(t, server, "bob", time.Second, nil)

	waitForList(t, aliceLists, []string{"bob"})

	require.NoError(t, bob.Close())
	waitForList(t, aliceLists, nil)
	require.Equal(t, 1, server.PeerCount())
}

func TestConnectionLossActsAsUnregister(t *testing.T) {
	server := startTestServer(t, time.Second)

	aliceLists := make(chan []models.PeerRecord, 16)
	registerClient(t, server, "alice", time.Second, aliceLists)

	// A raw connection that registers and then drops without unregistering.
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	require.NoError(t, enc.Encode(Message{Type: TypeRegister, Name: "flaky", TCPPort: 6002, UDPPort: 7002}))
	var ack Message
	require.NoError(t, dec.Decode(&ack))
	require.Equal(t, TypeAck, ack.Type)

	waitForList(t, aliceLists, []string{"flaky"})

	require.NoError(t, conn.Close())
	waitForList(t, aliceLists, nil)
	require.Equal(t, 1, server.PeerCount())
}

func TestRegisterToleratesEarlyPeerListUpdate(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		var reg Message
		if err := dec.Decode(&reg); err != nil {
			serverDone <- err
			return
		}

		// A concurrent registration's broadcast can beat the ack onto the
		// wire; the registrar must tolerate that ordering.
		if err := enc.Encode(Message{Type: TypePeerListUpdate, Peers: []models.PeerRecord{
			{Name: "carol", Host: "127.0.0.1", TCPPort: 6003, UDPPort: 7003},
		}}); err != nil {
			serverDone <- err
			return
		}
		serverDone <- enc.Encode(Message{Type: TypeAck, Peers: []models.PeerRecord{
			{Name: "bob", Host: "127.0.0.1", TCPPort: 6001, UDPPort: 7001},
		}})
	}()

	lists := make(chan []models.PeerRecord, 4)
	registrar, snapshot, err := Register(RegistrarOptions{
		ServerAddr: listener.Addr().String(),
		Name:       "alice",
		TCPPort:    6000,
		UDPPort:    7000,
		OnPeerList: func(peers []models.PeerRecord) { lists <- peers },
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registrar.Close() })

	require.Equal(t, []string{"bob"}, peerNames(snapshot))
	require.NoError(t, <-serverDone)

	select {
	case peers := <-lists:
		require.Equal(t, []string{"carol"}, peerNames(peers))
	case <-time.After(2 * time.Second):
		t.Fatal("buffered early peer list update was not delivered")
	}
}

func TestRegistrationBurst(t *testing.T) {
	server := startTestServer(t, time.Second)

	const clients = 60
	var (
		mu         sync.Mutex
		registrars []*Registrar
	)
	t.Cleanup(func() {
		for _, r := range registrars {
			_ = r.Close()
		}
	})

	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registrar, _, err := Register(RegistrarOptions{
				ServerAddr: server.Addr().String(),
				Name:       fmt.Sprintf("peer-%03d", i),
				TCPPort:    6000 + i,
				UDPPort:    7000 + i,
				Logger:     quietLogger(),
			})
			if err == nil {
				mu.Lock()
				registrars = append(registrars, registrar)
				mu.Unlock()
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, clients, server.PeerCount())
}

func TestStaleClientSweptAfterMissedHeartbeats(t *testing.T) {
	server := startTestServer(t, 50*time.Millisecond)

	aliceLists := make(chan []models.PeerRecord, 64)
	registerClient(t, server, "alice", 20*time.Millisecond, aliceLists)

	// Bob's heartbeat interval far exceeds the liveness timeout, so the
	// sweep removes him even though his connection stays open.
	disconnected := make(chan struct{})
	bob, _, err := Register(RegistrarOptions{
		ServerAddr:        server.Addr().String(),
		Name:              "bob",
		TCPPort:           6001,
		UDPPort:           7001,
		HeartbeatInterval: time.Hour,
		OnDisconnect:      func(error) { close(disconnected) },
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })

	waitForList(t, aliceLists, []string{"bob"})
	waitForList(t, aliceLists, nil)
	require.Equal(t, 1, server.PeerCount())

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("swept client should observe the dropped connection")
	}
}
