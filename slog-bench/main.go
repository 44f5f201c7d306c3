package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"

	"github.com/slogdb/slog/client"
	"github.com/slogdb/slog/txn"
)

var (
	serverAddr string
	rate       int64
	duration   time.Duration
	numTxns    int64
	mhPercent  int
	mpPercent  int
	numKeys    int
	numClients int
	seed       int64
)

var rootCmd = &cobra.Command{
	Use:   "slog-bench",
	Short: "Closed-loop benchmark against a slog cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		if duration == 0 && numTxns == 0 {
			return fmt.Errorf("one of --duration or --num_txns is required")
		}
		return run()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&serverAddr, "server", "127.0.0.1:2023", "server address")
	f.Int64Var(&rate, "rate", 1000, "target transactions per second")
	f.DurationVar(&duration, "duration", 0, "how long to run")
	f.Int64Var(&numTxns, "num_txns", 0, "how many transactions to run")
	f.IntVar(&mhPercent, "mh", 0, "percentage of multi-home transactions")
	f.IntVar(&mpPercent, "mp", 0, "percentage of multi-partition transactions")
	f.IntVar(&numKeys, "num_keys", 10000, "size of the key space")
	f.IntVar(&numClients, "clients", 16, "concurrent in-flight transactions")
	f.Int64Var(&seed, "seed", 0, "random seed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// workload generates read-modify-write transactions over a numbered key
// space split into per-region pools ("r0:key7"): a data generator is
// expected to have pre-mastered each pool at its region, so --mh controls
// how many transactions cross masters and --mp how many touch a second key
// (and with it, most likely, a second partition).
type workload struct {
	rng *rand.Rand
}

func (w *workload) key(region, n int) txn.Key {
	return txn.Key(fmt.Sprintf("r%d:key%d", region, n))
}

func (w *workload) nextTxn() *txn.Transaction {
	write := w.key(0, w.rng.Intn(numKeys))
	val := fmt.Sprintf("v%d", w.rng.Int63())

	reads := []txn.Key{}
	code := fmt.Sprintf("SET %s %s", write, val)
	if w.rng.Intn(100) < mpPercent {
		region := 0
		if w.rng.Intn(100) < mhPercent {
			region = 1
		}
		read := w.key(region, w.rng.Intn(numKeys))
		reads = append(reads, read)
		code = fmt.Sprintf("GET %s %s", read, code)
	}
	return txn.New(reads, []txn.Key{write}, code)
}

func run() error {
	c, err := client.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	bucket := ratelimit.NewBucketWithRate(float64(rate), rate)
	deadline := time.Time{}
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}

	var (
		issued    atomic.Int64
		committed atomic.Int64
		aborted   atomic.Int64

		latMu     sync.Mutex
		latencies []float64
	)

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(workerSeed int64) {
			defer wg.Done()
			w := &workload{rng: rand.New(rand.NewSource(seed + workerSeed))}
			for {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return
				}
				if numTxns > 0 && issued.Inc() > numTxns {
					return
				}
				bucket.Wait(1)

				start := time.Now()
				result, err := c.Submit(w.nextTxn())
				if err != nil {
					return
				}
				elapsed := time.Since(start)

				if result.Status == txn.Committed {
					committed.Inc()
				} else {
					aborted.Inc()
				}
				latMu.Lock()
				latencies = append(latencies, float64(elapsed.Microseconds())/1000.0)
				latMu.Unlock()
			}
		}(int64(i))
	}

	begin := time.Now()
	wg.Wait()
	elapsed := time.Since(begin).Seconds()

	total := committed.Load() + aborted.Load()
	fmt.Printf("transactions: %d (%d committed, %d aborted)\n",
		total, committed.Load(), aborted.Load())
	fmt.Printf("throughput:   %.1f txn/s\n", float64(total)/elapsed)

	if len(latencies) > 0 {
		median, _ := stats.Median(latencies)
		p95, _ := stats.Percentile(latencies, 95)
		p99, _ := stats.Percentile(latencies, 99)
		max, _ := stats.Max(latencies)
		fmt.Printf("latency ms:   p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
			median, p95, p99, max)
	}
	return nil
}
