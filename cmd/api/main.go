package main

import (
	"context"
	"log"
	"os"

	"lexbridge/auction"
	"lexbridge/config"
	"lexbridge/db"
	"lexbridge/escalation"
	"lexbridge/legalcase"
	"lexbridge/outbox"
	"lexbridge/partner"
	"lexbridge/timeline"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("LEXBRIDGE_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	events := timeline.NewWriter()
	queue := outbox.NewQueue()

	caseRepo := legalcase.NewRepository(pool)
	partnerRepo := partner.NewRepository(pool)

	caseService := legalcase.NewService(pool, caseRepo, cfg, events, queue)
	funnel := escalation.NewService(pool, escalation.NewRepository(pool), caseRepo, partnerRepo, cfg, events, queue)
	bidding := auction.NewService(pool, auction.NewRepository(pool), caseRepo, events, queue)

	log.Printf("escalation engine ready: cases=%t funnel=%t auction=%t",
		caseService != nil, funnel != nil, bidding != nil)
}
