// Command authcore-loadtest measures the Redis session store under
// concurrent load: session creation with per-account pruning, validation
// reads and activity touches.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authcore/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		accounts    = flag.Int("accounts", 20000, "number of accounts")
		perAccount  = flag.Int("per-account", 3, "sessions seeded per account")
		maxSessions = flag.Int("max-sessions", 5, "session cap per account")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "ac", "session key prefix")
	)
	flag.Parse()

	if *accounts <= 0 || *perAccount <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, per-account, concurrency and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	store := session.NewStore(client, *prefix, *maxSessions, nil)

	total := *accounts * *perAccount
	ids := make([]string, 0, total)
	fmt.Printf("seeding %d sessions over %d accounts...\n", total, *accounts)
	startSeed := time.Now()
	for a := 0; a < *accounts; a++ {
		for i := 0; i < *perAccount; i++ {
			sess := newSession(fmt.Sprintf("acct-%d", a))
			if _, err := store.Create(ctx, sess); err != nil {
				fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
				os.Exit(1)
			}
			ids = append(ids, sess.ID)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	var pruned int64
	createStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		out, err := store.Create(ctx, newSession(fmt.Sprintf("acct-%d", r.Intn(*accounts))))
		atomic.AddInt64(&pruned, int64(len(out)))
		return err
	})
	// Validation and touch target the seeded ids; pruned ones count as
	// failures, as they would for a real client.
	validateStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		_, err := store.Get(ctx, ids[r.Intn(len(ids))])
		return err
	})
	touchStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		return store.Touch(ctx, ids[r.Intn(len(ids))])
	})

	fmt.Println("---- results ----")
	printStats("create", createStats)
	fmt.Printf("create: pruned=%d\n", atomic.LoadInt64(&pruned))
	printStats("validate", validateStats)
	printStats("touch", touchStats)
}

func newSession(accountID string) *session.Session {
	return &session.Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TokenRef:  session.TokenRef(uuid.NewString()),
		Device:    "loadtest",
		IP:        "127.0.0.1",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

func runPhase(ops, concurrency int, op func(*rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
