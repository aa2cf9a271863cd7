// Package main watches a collaboration room and logs its activity.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	collabwatchcmd "github.com/louisbranch/findingsync/internal/cmd/collabwatch"
)

func main() {
	cfg, err := collabwatchcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[COLLABWATCH] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collabwatchcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("watch failed: %v", err)
	}
}
