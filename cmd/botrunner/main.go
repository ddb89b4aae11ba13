package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Scheduler timezones must resolve on hosts without /usr/share/zoneinfo.
	_ "time/tzdata"

	"botrunner/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	var (
		cfgPath     string
		envPath     string
		noScheduler bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with environment overrides")
	flag.BoolVar(&noScheduler, "no-scheduler", false, "serve the API and manual runs without the scheduling loop")
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{NoScheduler: noScheduler})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
