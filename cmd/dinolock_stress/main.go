package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"dinolock/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var STARTUP = 100 * time.Millisecond
var MAX_DELAY int64 = 10

// Get delay jitter.
func jitter() time.Duration {
	return time.Duration(rand.Int63n(MAX_DELAY)+1) * time.Millisecond
}

// Parse workload. Blank lines and lines starting with '#' are skipped.
func parseWorkload(path string) ([]string, error) {
	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	// Scan through all lines.
	var workload []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		workload = append(workload, line)
	}
	return workload, scanner.Err()
}

// Handle workload: worker `idx` of `n` runs every n-th command of the
// workload inside its own transaction.
func handleWorkload(ctx context.Context, tm *concurrency.TransactionManager, workload []string, idx int, n int, out *bytes.Buffer) error {
	r, err := concurrency.TransactionREPL(tm)
	if err != nil {
		return err
	}
	c := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunChan(ctx, c, uuid.New(), "", out)
	}()
	// Some time to wake up...
	time.Sleep(STARTUP)
	c <- "transaction begin"
	for i := idx; i < len(workload); i += n {
		time.Sleep(jitter())
		select {
		case c <- workload[i]:
		case <-ctx.Done():
			close(c)
			<-done
			return ctx.Err()
		}
	}
	// Fails harmlessly if a deadlock already aborted the transaction.
	c <- "transaction commit"
	close(c)
	<-done
	return nil
}

// Run a lock workload with many concurrent clients.
func main() {
	// Set up flags.
	var workloadFlag = flag.String("workload", "", "workload file (required)")
	var nFlag = flag.IntP("threads", "n", 1, "number of clients to run")
	var timeoutFlag = flag.Duration("lock-wait-timeout", time.Second, "how long a lock request may wait")
	var verifyFlag = flag.Bool("verify", false, "check that no locks are left once the workload finishes")
	var verboseFlag = flag.BoolP("verbose", "v", false, "print each client's transcript")
	flag.Parse()

	log := logrus.New()
	// Parse and run workload.
	if *workloadFlag == "" {
		fmt.Println("no workload file given")
		return
	}
	workload, err := parseWorkload(*workloadFlag)
	if err != nil {
		fmt.Println(err)
		return
	}

	lm := concurrency.NewLockManager(concurrency.WithWaitTimeout(*timeoutFlag), concurrency.WithLogger(log))
	tm := concurrency.NewTransactionManager(lm)

	outputs := make([]bytes.Buffer, *nFlag)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *nFlag; i++ {
		i := i
		g.Go(func() error {
			return handleWorkload(ctx, tm, workload, i, *nFlag, &outputs[i])
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("workload failed")
	}

	aborted := 0
	for i := range outputs {
		transcript := outputs[i].String()
		aborted += strings.Count(transcript, "transaction aborted")
		if *verboseFlag {
			fmt.Printf("=== client %d ===\n%s", i, transcript)
		}
	}
	log.WithFields(logrus.Fields{"clients": *nFlag, "aborted": aborted}).Info("workload finished")

	// Verify every lock was released.
	if *verifyFlag {
		if txs := tm.GetTransactions(); len(txs) != 0 {
			log.Errorf("%d transactions still running", len(txs))
			os.Exit(1)
		}
		root, _ := concurrency.NewResourceName(concurrency.DatabaseResource)
		if locks := lm.GetResourceLocks(root); len(locks) != 0 {
			log.Errorf("locks left on %s: %v", root, locks)
			os.Exit(1)
		}
	}
}
