package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"agentgate/internal/cli"
)

// agentgate-server is the container entrypoint: the HTTP API on /runs,
// /approvals, /budgets, /circuits and /audit plus the tool gateway on /mcp.
//
// Configuration comes from -config (or AGENTGATE_CONFIG) and the process
// environment: PORT, DATABASE_URL, REDIS_URL, NATS_URL,
// AGENTGATE_JWT_SECRET, OTEL_EXPORTER_OTLP_ENDPOINT.
func main() {
	var addr, configPath, env string
	flag.StringVar(&addr, "addr", "", "listen address (default server.addr, or :$PORT)")
	flag.StringVar(&configPath, "config", os.Getenv("AGENTGATE_CONFIG"), "path to YAML config")
	flag.StringVar(&env, "env", "", "environments.<env> overlay")
	flag.Parse()

	if err := cli.Serve(context.Background(), configPath, env, addr, ""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
