// Package server bootstraps one SOPMQ cluster node: it loads a
// config.Node document, opens its storage adapter, builds the ring and
// quorum coordinator, starts the gossip goroutine, and accepts
// connections, handing each off to its own session.Server goroutine.
//
// Grounded in the teacher's cmd/server/main.go bootstrap sequence (open
// store, build membership/ring, build replicator, start HTTP server),
// adapted from an HTTP+gin listener to a raw framed TCP listener serving
// session.Server per accepted connection (spec §4.6, §5).
package server

import (
	"context"
	"fmt"
	"math/big"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/auth"
	"github.com/sopmq/sopmq/internal/config"
	"github.com/sopmq/sopmq/internal/gossip"
	"github.com/sopmq/sopmq/internal/node"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/session"
	"github.com/sopmq/sopmq/internal/storage/walstore"
)

// Server owns the listener and the node it serves.
type Server struct {
	cfg      config.Node
	node     *node.Node
	gossiper *gossip.Gossiper
	listener net.Listener
	log      *logrus.Entry
}

// New builds a Server from a loaded node configuration and opens its
// storage adapter at dataDir.
func New(cfg config.Node, dataDir string, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("node_id", cfg.NodeID)

	store, err := walstore.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("server: open storage: %w", err)
	}

	rangeStart, err := cfg.RangeStart()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	selfEndpoint := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	selfNode := ring.Node{NodeID: cfg.NodeID, RangeStart: rangeStart, Endpoint: selfEndpoint}

	r := ring.New([]ring.Node{selfNode})

	creds := make([]auth.Credentials, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		creds = append(creds, auth.Credentials{Username: u.Username, PasswordHash: u.PasswordHash})
	}

	n := node.New(node.Config{
		ID:             cfg.NodeID,
		Endpoint:       selfEndpoint,
		MaxMessageSize: cfg.MaxMessageSize,
		Store:          store,
		Ring:           r,
		Auth:           auth.NewStaticStore(creds),
		Log:            log,
	})

	seeds := seedsFromMQAddrs(cfg.MQSeeds)
	g := gossip.New(cfg.NodeID, selfNode, seeds, r, n.Pool, n, log)
	n.Gossip = g

	return &Server{cfg: cfg, node: n, gossiper: g, log: log}, nil
}

// seedsFromMQAddrs turns a config's flat "host:port" seed list into
// placeholder ring.Node entries with unknown range starts — gossip fills
// in their real RangeStart on first successful exchange. A zero range
// start is a safe placeholder: it sorts first and is overwritten as soon
// as that peer answers.
func seedsFromMQAddrs(addrs []string) []ring.Node {
	out := make([]ring.Node, 0, len(addrs))
	for i, addr := range addrs {
		out = append(out, ring.Node{NodeID: ^uint64(i), RangeStart: big.NewInt(0), Endpoint: addr})
	}
	return out
}

// ListenAndServe binds the configured address and accepts connections
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", addr).Info("listening")

	go s.gossiper.Run(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		sess := session.NewServer(conn, s.node, s.log)
		go sess.Run()
	}
}

// Shutdown releases the node's outbound RPC pool and storage adapter.
func (s *Server) Shutdown() {
	s.node.Shutdown()
	if closer, ok := s.node.Store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
