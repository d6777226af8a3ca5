// Command normrecv joins a NORM session and writes every object it
// receives to an output directory, the receive-side counterpart of
// cmd/normsend, following the same flag-plus-signal-driven shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/config"
	"github.com/go-norm/norm/pkg/session"
	"github.com/go-norm/norm/pkg/transport"
	_ "github.com/go-norm/norm/pkg/transport/udp"
)

func main() {
	configPath := flag.String("c", "", "session .ini config path (defaults to built-in defaults)")
	address := flag.String("a", "", "session address host:port, e.g. 239.1.1.1:6003 (overrides config)")
	iface := flag.String("i", "", "multicast interface name (overrides config)")
	nodeId := flag.Int("n", 0, "local node id (overrides config)")
	outDir := flag.String("o", ".", "directory to write received objects into")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Transport.Address = *address
	}
	if *iface != "" {
		cfg.Transport.Interface = *iface
	}
	if *nodeId != 0 {
		cfg.Identity.NodeId = uint32(*nodeId)
	}
	if cfg.Transport.Address == "" {
		logger.Error("no session address given (set -a or config [transport] address)")
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Error("create output directory", "path", *outDir, "err", err)
		os.Exit(1)
	}

	tr, err := transport.New("udp", transport.Config{
		Address:   cfg.Transport.Address,
		Interface: cfg.Transport.Interface,
		TTL:       cfg.Transport.TTL,
		TOS:       cfg.Transport.TOS,
		Loopback:  cfg.Transport.Loopback,
		TxPort:    cfg.Transport.TxPort,
		ReuseAddr: cfg.Transport.ReuseAddr,
	})
	if err != nil {
		logger.Error("build transport", "err", err)
		os.Exit(1)
	}

	var sess *session.Session
	events := func(ev norm.Event) {
		logger.Info("event", "type", ev.Type.String(), "node", ev.Node, "object", ev.Object, "err", ev.Err)
		if ev.Type == norm.EventRxObjectCompleted {
			saveCompleted(sess, ev, *outDir, logger)
		}
	}
	sess = session.New(session.FromSessionConfig(cfg, events), tr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		logger.Error("start session", "err", err)
		os.Exit(1)
	}

	logger.Info("normrecv running", "address", cfg.Transport.Address, "node", cfg.Identity.NodeId, "out", *outDir)
	<-ctx.Done()

	logger.Info("shutting down")
	if err := sess.Stop(); err != nil {
		logger.Error("stop session", "err", err)
	}
	sess.Wait()
}

func loadConfig(path string) (*config.SessionConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// saveCompleted fetches a just-completed object's content from the
// Receiver tracking ev.Node and writes it under dir, named from the
// object's info content (the file path the sender supplied) if
// present, else its object id.
func saveCompleted(sess *session.Session, ev norm.Event, dir string, logger *slog.Logger) {
	rx, ok := sess.Receiver(ev.Node)
	if !ok {
		logger.Warn("completed event for unknown sender", "node", ev.Node)
		return
	}
	content, info, ok := rx.CompletedObject(ev.Object)
	if !ok {
		logger.Warn("completed object not found", "node", ev.Node, "object", ev.Object)
		return
	}
	name := string(info)
	if name == "" {
		name = fmt.Sprintf("object-%04x", uint16(ev.Object))
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		logger.Error("write received object", "path", path, "err", err)
		return
	}
	logger.Info("wrote object", "path", path, "bytes", len(content))
}
