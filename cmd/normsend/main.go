// Command normsend sends one or more files over a NORM session, using
// a flag-parsing-plus-signal-driven main loop that starts a session
// and blocks until SIGINT/SIGTERM, then stops it cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/config"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/session"
	"github.com/go-norm/norm/pkg/transport"
	_ "github.com/go-norm/norm/pkg/transport/udp"
)

func main() {
	configPath := flag.String("c", "", "session .ini config path (defaults to built-in defaults)")
	address := flag.String("a", "", "session address host:port, e.g. 239.1.1.1:6003 (overrides config)")
	iface := flag.String("i", "", "multicast interface name (overrides config)")
	nodeId := flag.Int("n", 0, "local node id (overrides config)")
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

	events := func(ev norm.Event) {
		logger.Info("event", "type", ev.Type.String(), "node", ev.Node, "object", ev.Object, "err", ev.Err)
	}
	sess := session.New(session.FromSessionConfig(cfg, events), tr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		logger.Error("start session", "err", err)
		os.Exit(1)
	}

	for _, path := range flag.Args() {
		if err := enqueueFile(sess, path); err != nil {
			logger.Error("enqueue file", "path", path, "err", err)
		}
	}

	logger.Info("normsend running", "address", cfg.Transport.Address, "node", cfg.Identity.NodeId)
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

func enqueueFile(sess *session.Session, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r, w := object.NewInMemoryReaderWriter(data)
	info := []byte(path)
	_, err = sess.EnqueueObject(object.KindFile, norm.NewObjectSize(uint64(len(data))), info, object.NackingNormal, r, w)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", path, err)
	}
	return nil
}
