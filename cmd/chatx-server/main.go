package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"chatx/discovery"
)

func main() {
	addr := flag.String("addr", ":5555", "listen address for the discovery registry")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "expected client heartbeat interval")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger.SetLevel(level)

	server, err := discovery.Listen(*addr, discovery.ServerOptions{
		HeartbeatInterval: *heartbeat,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("cannot start discovery server")
	}
	logger.WithField("addr", server.Addr().String()).Info("discovery server running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if err := server.Close(); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
}
