package main

// Runs three nodes in one process on a temporary log directory and walks
// through election, a file check with one host missing the file, and a GC
// cycle.
//
//   go run ./cmd/demo

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/filecheck"
	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/pkg/types"
)

func main() {
	base, err := os.MkdirTemp("", "logbus-demo-*")
	if err != nil {
		log.Fatalf("Failed to create demo dir: %v", err)
	}
	defer os.RemoveAll(base)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logDir := filepath.Join(base, "logs")

	ids := []types.PeerID{"1", "2", "3"}
	nodes := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		root := filepath.Join(base, "disk-"+id.String())
		if err := os.MkdirAll(root, 0o755); err != nil {
			log.Fatalf("Failed to create disk for %s: %v", id, err)
		}

		n, err := node.New(context.Background(), node.Config{
			Bus:       bus.Config{LogDir: logDir, ServiceID: id, Delay: 100 * time.Millisecond},
			GC:        gc.Config{MaxLogSize: -1},
			FileCheck: filecheck.Config{MaxCheckTimes: 3, CheckInterval: 300 * time.Millisecond, Timeout: 3 * time.Second},
			Archive:   node.ArchiveConfig{Dir: filepath.Join(base, "archive")},
			Stater:    filecheck.LocalDisk{Root: root},
			Logger:    logger,
		})
		if err != nil {
			log.Fatalf("Failed to create node %s: %v", id, err)
		}
		if err := n.Start(); err != nil {
			log.Fatalf("Failed to start node %s: %v", id, err)
		}
		defer n.Stop()
		nodes = append(nodes, n)
	}
	fmt.Printf("✓ Started %d nodes on %s\n", len(nodes), logDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 1. Election
	for _, n := range nodes {
		leader, err := n.AwaitLeader(5 * time.Second)
		if err != nil {
			log.Fatalf("Node %s: %v", n.ID(), err)
		}
		fmt.Printf("  node %s sees leader %s (%s)\n", n.ID(), leader, n.Election().State())
	}

	// 2. File check: present on 2, missing on 3
	os.WriteFile(filepath.Join(base, "disk-2", "model.bin"), []byte("weights"), 0o644)
	fmt.Printf("\n🔎 Checking model.bin on hosts 2 and 3 (only 2 has it)...\n")
	start := time.Now()
	err = nodes[0].CheckFile(context.Background(), "model.bin", []types.PeerID{"2", "3"})
	fmt.Printf("  result after %s: %v\n", time.Since(start).Round(time.Millisecond), err)

	os.WriteFile(filepath.Join(base, "disk-3", "model.bin"), []byte("weights"), 0o644)
	err = nodes[0].CheckFile(context.Background(), "model.bin", []types.PeerID{"2", "3"})
	fmt.Printf("  after copying to 3: %v\n", errOrOK(err))

	// 3. GC
	fmt.Printf("\n🧹 Running GC from node 1...\n")
	res, err := nodes[0].TriggerGC(context.Background())
	if err != nil {
		log.Fatalf("GC failed: %v", err)
	}
	fmt.Printf("  log 1: %d -> %d bytes, archived to %s\n", res.Before, res.After, res.Archive)
	for _, n := range nodes {
		st := n.Status()
		fmt.Printf("  node %s: state=%s members=%d\n", st.ID, st.State, len(st.Members))
	}

	fmt.Printf("\n💡 Press Ctrl+C to stop\n")
	<-sigChan
	fmt.Println("\nReceived shutdown signal, stopping gracefully...")
}

func errOrOK(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
