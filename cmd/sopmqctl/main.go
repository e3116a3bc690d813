// cmd/sopmqctl is the operator and client CLI for a SOPMQ cluster.
//
// Usage:
//
//	sopmqctl serve --config /etc/sopmq/node1.yaml --data-dir /var/sopmq/node1
//	sopmqctl publish myqueue "hello world"      --server sopmq://localhost:7840
//	sopmqctl consume myqueue                    --server sopmq://localhost:7840
//	sopmqctl ring                               --server sopmq://localhost:7840
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sopmq/sopmq/internal/config"
	"github.com/sopmq/sopmq/internal/endpoint"
	"github.com/sopmq/sopmq/internal/server"
	"github.com/sopmq/sopmq/internal/session"
	"github.com/sopmq/sopmq/internal/wire"
)

var (
	serverAddr string
	username   string
	password   string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "sopmqctl",
		Short: "Operate and drive a SOPMQ cluster node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"sopmq://localhost:7840", "SOPMQ node address")
	root.PersistentFlags().StringVar(&username, "username", "sopmq", "Auth username")
	root.PersistentFlags().StringVar(&password, "password", "", "Auth password")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Request timeout")

	root.AddCommand(serveCmd(), publishCmd(), consumeCmd(), ringCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── serve ────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var configPath, dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this process as one SOPMQ cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log := logrus.NewEntry(logrus.StandardLogger())
			srv, err := server.New(cfg, dataDir, log)
			if err != nil {
				return fmt.Errorf("build server: %w", err)
			}
			defer srv.Shutdown()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the node's YAML configuration")
	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/sopmq", "Directory for the node's write-ahead log")
	cmd.MarkFlagRequired("config")
	return cmd
}

// ─── publish ──────────────────────────────────────────────────────────────────

func publishCmd() *cobra.Command {
	var storeIfCantPipe bool
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "publish <queue> <body>",
		Short: "Publish one message to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := c.Publish(ctx, args[0], []byte(args[1]), storeIfCantPipe, ttl)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&storeIfCantPipe, "store-if-cant-pipe", false,
		"Keep the tentative row alive indefinitely if the quorum commit never lands")
	cmd.Flags().DurationVar(&ttl, "ttl", 0,
		"Tentative-row TTL for this message (0 uses the replica's default)")
	return cmd
}

// ─── consume ──────────────────────────────────────────────────────────────────

func consumeCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Read committed messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			messages, err := c.Consume(ctx, args[0], wire.MessageStamp{}, limit)
			if err != nil {
				return err
			}
			prettyPrint(messages)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of messages to read")
	return cmd
}

// ─── ring ─────────────────────────────────────────────────────────────────────

func ringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ring",
		Short: "Ring introspection (not supported by this client; always returns an error)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("ring introspection requires a node-facing query message not modeled by the client SDK yet")
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func dialClient(ctx context.Context) (*session.Client, error) {
	ep, err := endpoint.Parse(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("parse --server: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return session.Dial(dialCtx, addr, wire.DefaultMaxMessageSize, username, password, nil)
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
