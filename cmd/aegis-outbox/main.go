// aegis-outbox inspects and recovers a disconnect buffer left behind by a
// service that ran with the buffer publish policy. A service normally
// drains its own outbox on reconnect; this tool covers the cases where the
// process is gone and the file is stranded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aegismesh/aegis/pkg/broker"
)

var (
	file      = flag.String("file", "", "Path to the outbox file (required)")
	action    = flag.String("action", "ls", "What to do: ls, drain, or prune")
	brokerURL = flag.String("broker", "nats://127.0.0.1:4222", "Broker URL for drain")
	olderThan = flag.Duration("older-than", 24*time.Hour, "Prune records older than this")
	dryRun    = flag.Bool("dry-run", false, "Show what would happen without changing the file")
	backup    = flag.String("backup", "", "Backup path before drain/prune (default: <file>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	if *file == "" {
		log.Fatal("-file is required")
	}
	if _, err := os.Stat(*file); os.IsNotExist(err) {
		log.Fatalf("Outbox not found at %s", *file)
	}

	// Destructive actions work on a copy-safe file.
	if !*dryRun && *action != "ls" {
		backupFile := *backup
		if backupFile == "" {
			backupFile = *file + ".backup"
		}
		if err := copyFile(*file, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Printf("✓ Backup created at %s", backupFile)
	}

	outbox, err := broker.OpenOutbox(*file)
	if err != nil {
		log.Fatalf("Failed to open outbox: %v", err)
	}
	defer outbox.Close()

	switch *action {
	case "ls":
		if err := list(outbox); err != nil {
			log.Fatalf("Failed to list outbox: %v", err)
		}
	case "drain":
		if err := drain(outbox); err != nil {
			log.Fatalf("Drain failed: %v", err)
		}
	case "prune":
		if err := prune(outbox); err != nil {
			log.Fatalf("Prune failed: %v", err)
		}
	default:
		log.Fatalf("Unknown action %q (want ls, drain, or prune)", *action)
	}
}

func list(outbox *broker.Outbox) error {
	n := 0
	err := outbox.Scan(func(seq uint64, subject string, enqueuedAt time.Time, size int) error {
		fmt.Printf("%8d  %-40s  %s  %6d bytes\n", seq, subject, enqueuedAt.Format(time.RFC3339), size)
		n++
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("✓ %d buffered publish(es)", n)
	return nil
}

func drain(outbox *broker.Outbox) error {
	pending, err := outbox.Len()
	if err != nil {
		return err
	}
	if pending == 0 {
		log.Println("✓ Outbox is empty, nothing to drain")
		return nil
	}
	if *dryRun {
		log.Printf("[DRY RUN] Would republish %d record(s) to %s in enqueue order", pending, *brokerURL)
		return nil
	}

	b, err := broker.New(broker.Options{URL: *brokerURL, Name: "aegis-outbox"})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", *brokerURL, err)
	}
	defer b.Close(context.Background())

	log.Printf("Draining %d record(s) to %s...", pending, *brokerURL)
	drained, err := outbox.Drain(func(subject string, data []byte) error {
		return b.Publish(context.Background(), subject, data)
	})
	if err != nil {
		return fmt.Errorf("stopped after %d record(s): %w", drained, err)
	}
	log.Printf("✓ Drained %d record(s)", drained)
	return nil
}

func prune(outbox *broker.Outbox) error {
	cutoff := time.Now().Add(-*olderThan)
	if *dryRun {
		n := 0
		err := outbox.Scan(func(seq uint64, subject string, enqueuedAt time.Time, size int) error {
			if enqueuedAt.Before(cutoff) {
				n++
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("[DRY RUN] Would prune %d record(s) enqueued before %s", n, cutoff.Format(time.RFC3339))
		return nil
	}

	pruned, err := outbox.Prune(cutoff)
	if err != nil {
		return err
	}
	log.Printf("✓ Pruned %d record(s) enqueued before %s", pruned, cutoff.Format(time.RFC3339))
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
