package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"chatx/config"
	"chatx/discovery"
	"chatx/models"
	"chatx/network"
)

func main() {
	name := flag.String("name", "", "display name (overrides config)")
	server := flag.String("server", "", "discovery server address (overrides config)")
	flag.Parse()

	logger := logrus.New()

	cfg, path, err := config.LoadOrCreate()
	if err != nil {
		logger.WithError(err).Fatal("cannot load configuration")
	}
	logger.WithField("path", path).Debug("configuration loaded")

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if *name != "" {
		cfg.DisplayName = *name
	}
	if cfg.DisplayName == "" {
		logger.Fatal("no display name configured; set display_name or pass -name")
	}

	serverAddr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
	if *server != "" {
		serverAddr = *server
	}

	node, err := network.StartNode(network.NodeConfig{
		Name:     cfg.DisplayName,
		TCPRange: network.PortRange{From: cfg.TCPPortFrom, To: cfg.TCPPortTo},
		UDPRange: network.PortRange{From: cfg.UDPPortFrom, To: cfg.UDPPortTo},
		Transfer: network.TransferConfig{
			ChunkSize:   cfg.ChunkSize,
			AckTimeout:  cfg.AckTimeout(),
			MaxRetries:  cfg.MaxChunkRetries,
			DownloadDir: cfg.DownloadDir,
		},
		Events: &logEvents{logger: logger},
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("cannot start node")
	}
	defer node.Close()

	ports := node.Ports()
	registrar, peers, err := discovery.Register(discovery.RegistrarOptions{
		ServerAddr:        serverAddr,
		Name:              cfg.DisplayName,
		TCPPort:           ports.TCP,
		UDPPort:           ports.UDP,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		OnPeerList: func(peers []models.PeerRecord) {
			logger.WithField("peers", peerNames(peers)).Info("peer list updated")
		},
		OnDisconnect: func(err error) {
			logger.WithError(err).Warn("lost discovery server connection")
		},
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("registration failed")
	}
	defer registrar.Close()
	logger.WithFields(logrus.Fields{
		"name":  cfg.DisplayName,
		"tcp":   ports.TCP,
		"udp":   ports.UDP,
		"peers": peerNames(peers),
	}).Info("registered with discovery server")

	if cfg.EnableMDNS {
		beacon, err := discovery.StartBeacon(cfg.DisplayName, ports.TCP, ports.UDP)
		if err != nil {
			logger.WithError(err).Warn("mDNS beacon unavailable")
		} else {
			defer beacon.Stop()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}

func peerNames(peers []models.PeerRecord) []string {
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Name)
	}
	return names
}

// logEvents reports node activity on the log. A richer frontend would
// implement network.Events instead.
type logEvents struct {
	logger *logrus.Logger

	mu      sync.Mutex
	lastPct map[string]int
}

func (e *logEvents) OnMessageReceived(fromPeer, text string) {
	fmt.Printf("[%s] %s\n", fromPeer, text)
}

func (e *logEvents) OnTransferProgress(transferID string, bytesDone, totalBytes int64) {
	if totalBytes <= 0 {
		return
	}
	pct := int(bytesDone * 100 / totalBytes)

	e.mu.Lock()
	if e.lastPct == nil {
		e.lastPct = make(map[string]int)
	}
	last, seen := e.lastPct[transferID]
	if seen && pct/10 == last/10 {
		e.mu.Unlock()
		return
	}
	e.lastPct[transferID] = pct
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{"transfer": transferID, "percent": pct}).Info("transfer progress")
}

func (e *logEvents) OnTransferFinished(transferID string, status models.TransferStatus) {
	e.mu.Lock()
	delete(e.lastPct, transferID)
	e.mu.Unlock()
	e.logger.WithFields(logrus.Fields{"transfer": transferID, "status": string(status)}).Info("transfer finished")
}

func (e *logEvents) OnPeerDisconnected(peerName string) {
	e.logger.WithField("peer", peerName).Info("peer disconnected")
}
