package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/store"
)

// Operator keys accepted by the fault-clear endpoint, mapped to the operator
// name recorded as clearedBy.
var operators = map[string]string{
	"dispatch_day_key":   "dispatch-day",
	"dispatch_night_key": "dispatch-night",
	"maintenance_key":    "maintenance",
	"test_key":           "test-operator",
}

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	fmt.Println("\n── Operator keys ───────────────────────────────")
	for apiKey, operator := range operators {
		key := store.OperatorKey(apiKey)
		if err := client.Set(ctx, key, operator, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-40s → %s\n", key, operator)
	}

	fmt.Println("\n── Verification ────────────────────────────────")
	rs := store.NewRedisStoreFromClient(client)
	op, err := rs.GetAPIKey(ctx, "test_key")
	if err != nil || op == "" {
		log.Fatalf("Spot check failed: %q %v", op, err)
	}
	fmt.Printf("  ✓ spot check: test_key → %s\n", op)

	fmt.Println("\n✅ Redis seeded")
}
