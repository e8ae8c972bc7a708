package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/server"
	"github.com/shaunagostinho/streamplot/internal/transport"
	"github.com/shaunagostinho/streamplot/web"
)

func main() {
	configPath := flag.String("config", "streamplot.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use the simulated device instead of serial/UDP")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	open := flag.Bool("open", false, "Open a session with the configured transport at startup")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] streamplot starting")

	cfg := server.LoadConfig(*configPath)

	// Flags win over file and environment
	patch := map[string]interface{}{}
	if *demo {
		patch["transport"] = map[string]interface{}{"mode": string(transport.ModeDemo)}
		patch["autoOpen"] = true
	}
	if *open {
		patch["autoOpen"] = true
	}
	if *listenAddr != "" {
		patch["server"] = map[string]interface{}{"listenAddr": *listenAddr}
	}
	if len(patch) > 0 {
		data, _ := json.Marshal(patch)
		if err := cfg.UpdateFromJSON(data); err != nil {
			log.Fatalf("[main] apply flags: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, web.FS, metrics.New())
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}
