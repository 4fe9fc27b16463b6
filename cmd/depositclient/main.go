package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/onemorebsmith/deposit-ingest/src/depositclient"
	"github.com/onemorebsmith/deposit-ingest/src/service"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed loading .env: %s", err)
	}

	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := os.ReadFile(fullPath)
	if err != nil {
		log.Printf("config file not found: %s", err)
		os.Exit(1)
	}
	cfg := depositclient.ClientConfig{}
	if err := yaml.Unmarshal(rawCfg, &cfg); err != nil {
		log.Printf("failed parsing config file: %s", err)
		os.Exit(1)
	}
	// secrets stay out of config.yaml
	if pg := os.Getenv("DEPOSIT_POSTGRES"); pg != "" {
		cfg.PostgresConfig = pg
	}
	if rd := os.Getenv("DEPOSIT_REDIS"); rd != "" {
		cfg.RedisConfig = rd
	}
	if upstream := os.Getenv("DEPOSIT_UPSTREAM_URL"); upstream != "" {
		cfg.UpstreamURL = upstream
	}

	flag.StringVar(&cfg.UpstreamURL, "upstream", cfg.UpstreamURL, "websocket url of the deposit feed")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.AdminPort, "admin", cfg.AdminPort, `address to serve the admin api, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.StringVar(&cfg.RedisConfig, "redis", cfg.RedisConfig, `config string for the redis connection, empty disables the claim set`)
	flag.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level, default `info`")
	flag.BoolVar(&cfg.Mock, "mock", cfg.Mock, "use the in-memory store seeded from mock_sources")
	flag.Parse()
	cfg.ApplyDefaults()

	log.Println("----------------------------------")
	log.Printf("initializing deposit client")
	log.Printf("\tupstream:      %s", cfg.UpstreamURL)
	log.Printf("\ttoken header:  %t", cfg.TokenInHeader)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tadmin:         %s", cfg.AdminPort)
	log.Printf("\tredis:         %s", cfg.RedisConfig)
	log.Printf("\tmock:          %t", cfg.Mock)
	log.Printf("\tkeepalive:     %s initial, %s after ping", cfg.InitialKeepalive, cfg.KeepaliveWindow)
	log.Printf("\treconnect:     %s", cfg.ReconnectDelay)
	log.Printf("\treconcile:     %s", cfg.ReconcileInterval)
	log.Println("----------------------------------")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := service.ListenAndServe(ctx, cfg); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
