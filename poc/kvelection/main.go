// Proof of concept: sticky single-active election on a JetStream
// key-value bucket with a TTL, no consensus library.
//
// Run a few contenders against a local server and watch them fight:
//
//	nats-server -js &
//	go run . -id node1 &
//	go run . -id node2 &
//	go run . -id node3 -crash-after 10s
//
// The winner renews a TTL'd key by revision; everyone else watches for
// the key to vanish and recontends after a jittered delay. Killing the
// renewer (or -crash-after) leaves the key to expire, and a standby
// takes over within roughly TTL + jitter.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

const leaderKey = "leader"

var (
	url        = flag.String("url", nats.DefaultURL, "NATS server URL")
	id         = flag.String("id", "node1", "Contender ID")
	bucket     = flag.String("bucket", "sticky-poc", "Key-value bucket name")
	ttl        = flag.Duration("ttl", 3*time.Second, "Leader key TTL")
	crashAfter = flag.Duration("crash-after", 0, "Stop renewing after holding this long (0 disables)")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", *id), log.LstdFlags)

	nc, err := nats.Connect(*url, nats.Name("kvelection-poc-"+*id))
	if err != nil {
		logger.Fatalf("Failed to connect: %v", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatalf("Failed to get JetStream context: %v", err)
	}

	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  *bucket,
		TTL:     *ttl,
		History: 1,
	})
	if err != nil {
		// Another contender created it first.
		kv, err = js.KeyValue(*bucket)
		if err != nil {
			logger.Fatalf("Failed to open bucket: %v", err)
		}
	}

	// Release on Ctrl+C so the takeover is immediate instead of waiting
	// out the TTL.
	release := make(chan os.Signal, 1)
	signal.Notify(release, os.Interrupt, syscall.SIGTERM)

	logger.Printf("Contending for %s/%s (ttl %v)", *bucket, leaderKey, *ttl)
	for {
		rev, err := kv.Create(leaderKey, []byte(*id))
		if err == nil {
			logger.Printf("Acquired leadership at revision %d", rev)
			reason := lead(logger, kv, rev, release)
			logger.Printf("Lost leadership: %s", reason)
			if reason == "released" {
				return
			}
			continue
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			logger.Printf("Create failed: %v (retrying)", err)
			time.Sleep(time.Second)
			continue
		}

		if !waitVacancy(logger, kv, release) {
			return
		}
		// Jitter so contenders do not stampede the vacant key.
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// lead renews the key by revision until the renewal fails, the crash
// timer fires, or the process is told to release. Returns why it ended.
func lead(logger *log.Logger, kv nats.KeyValue, rev uint64, release <-chan os.Signal) string {
	renew := time.NewTicker(*ttl / 3)
	defer renew.Stop()

	var crash <-chan time.Time
	if *crashAfter > 0 {
		crash = time.After(*crashAfter)
	}

	for {
		select {
		case <-renew.C:
			next, err := kv.Update(leaderKey, []byte(*id), rev)
			if err != nil {
				// Someone else owns the key now, or the server lost
				// our revision. Either way the role is gone.
				return fmt.Sprintf("renew failed: %v", err)
			}
			rev = next
		case <-crash:
			// Simulate a crash: keep running but never renew again,
			// leaving the key to expire underneath us.
			logger.Printf("Simulating crash, renewals stop (key expires in <=%v)", *ttl)
			time.Sleep(*ttl + time.Second)
			return "crashed"
		case <-release:
			if err := kv.Delete(leaderKey, nats.LastRevision(rev)); err != nil {
				logger.Printf("Release delete failed: %v", err)
			}
			return "released"
		}
	}
}

// waitVacancy blocks until the leader key is gone. A watcher catches
// explicit deletes, but TTL expiry does not reach watchers on every
// server build, so it polls alongside. Returns false on shutdown.
func waitVacancy(logger *log.Logger, kv nats.KeyValue, release <-chan os.Signal) bool {
	watcher, err := kv.Watch(leaderKey)
	if err != nil {
		logger.Printf("Watch failed: %v (falling back to polling)", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	var updates <-chan nats.KeyValueEntry
	if watcher != nil {
		updates = watcher.Updates()
	}
	poll := time.NewTicker(*ttl / 2)
	defer poll.Stop()

	logger.Printf("Standing by")
	for {
		select {
		case entry := <-updates:
			if entry == nil {
				// Replay marker.
				continue
			}
			if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
				logger.Printf("Leader key deleted")
				return true
			}
		case <-poll.C:
			if _, err := kv.Get(leaderKey); errors.Is(err, nats.ErrKeyNotFound) {
				logger.Printf("Leader key expired")
				return true
			}
		case <-release:
			return false
		}
	}
}
