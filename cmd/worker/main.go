package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classtrack/internal/attendance"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/queue"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

// Worker drains the scanner check-in queue into the attendance ledger.
// Entries are replays of marks the device queued while offline, so
// duplicates are expected and harmless.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:checkins")
	}

	clk := clock.Real{}
	sessionRepo := session.NewRepository(db)
	ledger := attendance.NewLedger(attendance.NewRepository(db), sessionRepo, clk)

	checkins, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for check-ins...")
	for c := range checkins {
		err := ledger.MarkQueued(ctx, c.ClassRollID)
		switch {
		case err == nil:
			log.Printf("check-in %s: roll %d marked", c.ID, c.ClassRollID)
		case errors.Is(err, attendance.ErrDuplicate):
			log.Printf("check-in %s: roll %d already marked (replay)", c.ID, c.ClassRollID)
		case errors.Is(err, session.ErrNoActiveSession):
			log.Printf("check-in %s: dropped, no active session", c.ID)
		case errors.Is(err, attendance.ErrNotEnrolled):
			log.Printf("check-in %s: roll %d not enrolled", c.ID, c.ClassRollID)
		default:
			log.Printf("check-in %s: mark failed: %v", c.ID, err)
		}
	}

	log.Println("worker stopped")
}
