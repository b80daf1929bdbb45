// The reconciler drains the deferred credit queue: payouts that could
// not be written at completion time are retried here until the ledger
// accepts them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/capitabee/donezo-sub000/internal/bootstrap"
	"github.com/capitabee/donezo-sub000/internal/ledger"
	"github.com/capitabee/donezo-sub000/internal/observability"
	"github.com/capitabee/donezo-sub000/internal/state"
)

func main() {
	shutdownTracing, err := observability.InitTracingFromEnv("donezo-reconciler")
	if err != nil {
		log.Printf("main: tracing init err=%v; continuing without traces", err)
	}

	platform, err := bootstrap.NewPlatformFromEnv()
	if err != nil {
		log.Fatalf("main: bootstrap failed err=%v", err)
	}
	defer platform.Close()

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "reconciler"
	}
	interval := time.Duration(getenvInt("DONEZO_RECONCILE_INTERVAL_SECONDS", 5)) * time.Second
	batch := getenvInt("DONEZO_RECONCILE_BATCH", 20)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("main: reconciler running consumer=%s interval=%s batch=%d", consumer, interval, batch)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("main: reconciler stopping")
			if shutdownTracing != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = shutdownTracing(shutdownCtx)
				cancel()
			}
			return
		case <-ticker.C:
			runOnce(ctx, platform, consumer, batch)
		}
	}
}

func runOnce(ctx context.Context, platform *bootstrap.Platform, consumer string, batch int) {
	if moved, err := platform.Queue.RequeueExpired(ctx, time.Now().UTC(), batch); err != nil {
		log.Printf("reconcile: requeue expired err=%v", err)
	} else if moved > 0 {
		log.Printf("reconcile: requeued %d expired claims", moved)
	}

	claims, err := platform.Queue.Claim(ctx, batch, consumer, 30*time.Second)
	if err != nil {
		log.Printf("reconcile: claim err=%v", err)
		return
	}
	for _, claim := range claims {
		if err := creditOne(ctx, platform.Ledger, claim.Ref); err != nil {
			log.Printf("reconcile: credit user=%s task=%s err=%v", claim.Ref.UserID, claim.Ref.TaskID, err)
			if nerr := platform.Queue.Nack(ctx, []state.QueueClaim{claim}, "error"); nerr != nil {
				log.Printf("reconcile: nack err=%v", nerr)
			}
			continue
		}
		if err := platform.Queue.Ack(ctx, []state.QueueClaim{claim}); err != nil {
			log.Printf("reconcile: ack err=%v", err)
		}
		observability.Default.IncCounter("credits_reconciled_total", nil, 1)
	}
}

func creditOne(ctx context.Context, led ledger.Ledger, ref state.CreditRef) error {
	amount, err := decimal.NewFromString(ref.Amount)
	if err != nil {
		// A ref with a bad amount can never succeed; credit zero is
		// worse than surfacing it through the dead-letter queue.
		return err
	}
	return led.Credit(ctx, ledger.Credit{
		UserID: ref.UserID,
		TaskID: ref.TaskID,
		Amount: amount,
		Source: "reconciler",
	})
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
