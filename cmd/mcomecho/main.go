// Command mcomecho is a minimal two-role demo of the MCOM engine over a TCP
// socket: the host accepts a connection and echoes back whatever arrives on
// channel 1; the device dials in, writes a line to channel 1, and prints
// whatever echoes back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/l2dy/mcom"
	"github.com/l2dy/mcom/internal/metrics"
	"github.com/l2dy/mcom/internal/transport"
)

const echoChannel = 1

func main() {
	role := flag.String("role", "", "host or device")
	addr := flag.String("addr", "127.0.0.1:4390", "host: address to listen on; device: address to dial")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutdown signal received")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				entry.WithError(err).Error("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		entry.WithField("addr", *metricsAddr).Info("metrics server started")
	}

	var err error
	switch *role {
	case "host":
		err = runHost(ctx, *addr, m, entry)
	case "device":
		err = runDevice(ctx, *addr, m, entry)
	default:
		fmt.Fprintln(os.Stderr, "usage: mcomecho -role=host|device [-addr=host:port] [-metrics-addr=host:port]")
		os.Exit(2)
	}
	if err != nil {
		entry.WithError(err).Error("mcomecho exiting with error")
		os.Exit(1)
	}
}

func runHost(ctx context.Context, addr string, m *metrics.Metrics, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.WithField("addr", addr).Info("host listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	log.WithField("remote", conn.RemoteAddr()).Info("device connected")
	return serveEcho(ctx, conn, true, m, log)
}

func runDevice(ctx context.Context, addr string, m *metrics.Metrics, log *logrus.Entry) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	log.WithField("addr", addr).Info("connected to host")

	engine := mcom.NewEngine(false, transport.NewSocketDriver(conn))
	engine.SetMetrics(m)
	if _, err := engine.OpenChannel("echo", echoChannel, 256, 256, "echo demo channel"); err != nil {
		return err
	}
	if err := engine.StartCom(); err != nil {
		return err
	}
	defer engine.CloseConnection()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "type a line to send it over channel 1, echoed replies print below")
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if _, err := engine.Tx(echoChannel, line, true, 5*time.Second); err != nil {
			return fmt.Errorf("tx: %w", err)
		}
		reply, err := engine.Rx(echoChannel, len(line), true, 5*time.Second)
		if err != nil {
			return fmt.Errorf("rx: %w", err)
		}
		fmt.Printf("echo: %s", reply)
	}
	return scanner.Err()
}

// serveEcho runs the host side: open the echo channel and bounce every byte
// received on it straight back.
func serveEcho(ctx context.Context, conn net.Conn, isHost bool, m *metrics.Metrics, log *logrus.Entry) error {
	engine := mcom.NewEngine(isHost, transport.NewSocketDriver(conn))
	engine.SetMetrics(m)
	if _, err := engine.OpenChannel("echo", echoChannel, 256, 256, "echo demo channel"); err != nil {
		return err
	}
	if err := engine.StartCom(); err != nil {
		return err
	}
	defer engine.CloseConnection()

	done := make(chan error, 1)
	go func() {
		for {
			data, _, err := engine.RxAny(256, true)
			if err != nil {
				done <- err
				return
			}
			if len(data) == 0 {
				continue
			}
			if _, err := engine.Tx(echoChannel, data, true, 5*time.Second); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil
	case err := <-done:
		return err
	}
}
