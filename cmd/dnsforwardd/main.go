// Command dnsforwardd runs the filtering DNS forwarder as a standalone
// UDP/TCP listener. Grounded on the teacher's main.go flag parsing and
// dns_server.go's dual UDP/TCP dns.Server + signal-driven graceful
// shutdown, generalized from the teacher's fixed recursive resolver to
// wrap a forwarder.Forwarder instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"dnsforward/config"
	"dnsforward/events"
	"dnsforward/forwarder"
	"dnsforward/logging"
)

func main() {
	port := flag.String("port", "53", "listening port for UDP and TCP")
	configPath := flag.String("config", "", "path to a JSON configuration file")
	logLevel := flag.String("log-level", "info", "log level (error,warn,info,debug)")
	flag.Parse()

	logging.SetLevel(parseLevel(*logLevel))

	raw, err := loadConfig(*configPath)
	if err != nil {
		logging.Errorf("config: %v", err)
		os.Exit(1)
	}

	settings, err := config.Build(raw)
	if err != nil {
		logging.Errorf("config: %v", err)
		os.Exit(1)
	}

	sink := events.NewChannelSink(256)
	fwd, err := forwarder.Init(settings, sink)
	if err != nil {
		logging.Errorf("init: %v", err)
		os.Exit(1)
	}

	go logEvents(sink)

	run(fwd, *port)
}

func parseLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "error":
		return logging.LevelError
	case "warn":
		return logging.LevelWarn
	case "debug":
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}

func loadConfig(path string) (*config.Raw, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -config")
	}
	return config.LoadFile(path)
}

func logEvents(sink *events.ChannelSink) {
	for ev := range sink.Events() {
		logging.Debugf("%s %s -> %s (%s, %v)", ev.Type, ev.Domain, ev.Status, ev.Error, ev.Elapsed)
	}
}

func run(fwd *forwarder.Forwarder, port string) {
	errCh := make(chan error, 2)

	udpHandler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		handleRequest(fwd, "udp", w, r)
	})
	tcpHandler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		handleRequest(fwd, "tcp", w, r)
	})

	udpServer := &dns.Server{Addr: ":" + port, Net: "udp", Handler: udpHandler, UDPSize: 4096}
	tcpServer := &dns.Server{Addr: ":" + port, Net: "tcp", Handler: tcpHandler}

	go func() {
		logging.Infof("udp listener starting on :%s", port)
		if err := udpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()
	go func() {
		logging.Infof("tcp listener starting on :%s", port)
		if err := tcpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logging.Errorf("listener failed: %v", err)
	case sig := <-sigCh:
		logging.Infof("received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = udpServer.ShutdownContext(ctx)
	_ = tcpServer.ShutdownContext(ctx)
	fwd.Deinit()
}

func handleRequest(fwd *forwarder.Forwarder, network string, w dns.ResponseWriter, r *dns.Msg) {
	raw, err := r.Pack()
	if err != nil {
		return
	}

	peer := &forwarder.PeerInfo{Network: network, Addr: peerAddr(w.RemoteAddr())}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := fwd.HandleMessage(ctx, raw, peer)
	if len(out) == 0 {
		return
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(out); err != nil {
		return
	}
	_ = w.WriteMsg(resp)
}

func peerAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
