// Command identity-bridge provisions the bridge schema and prunes expired
// sessions, then exits. The HTTP server lives in cmd/api.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/app"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/database"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/utilities"
)

func main() {
	grace := flag.Duration("prune-grace", 24*time.Hour, "delete sessions that expired longer ago than this")
	jobs := flag.Bool("list-jobs", false, "print pending verification jobs after provisioning")
	flag.Parse()

	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	a, err := app.New(db, app.ConfigFromEnv(), sugar)
	if err != nil {
		sugar.Fatalf("wire app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.Provision(ctx); err != nil {
		sugar.Fatalf("provision schema: %v", err)
	}
	n, err := a.Sessions.Prune(ctx, *grace)
	if err != nil {
		sugar.Fatalf("prune sessions: %v", err)
	}
	sugar.Infow("maintenance done", "pruned_sessions", n)

	if *jobs {
		due, err := a.Auth.DueJobs(ctx, 100)
		if err != nil {
			sugar.Fatalf("list jobs: %v", err)
		}
		for _, j := range due {
			fmt.Printf("%d\t%s\tauth=%d\tattempts=%d\n", j.ID, j.Type, j.AuthID, j.Attempts)
		}
	}
}
