package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradepilot/internal/broker"
	"tradepilot/internal/broker/bybit"
	"tradepilot/internal/config"
	"tradepilot/internal/engine"
	"tradepilot/internal/logger"
	"tradepilot/internal/monitoring"
	"tradepilot/internal/predict"
	"tradepilot/internal/pricefeed"
	"tradepilot/internal/store"
)

const (
	// Momentum predictor parameters: one hour of 5-minute cycle samples,
	// confidence saturating at a 5% window move.
	momentumWindow      = 12
	momentumSensitivity = 0.05

	startupTimeout = 2 * time.Minute
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file (e.g., tradepilot.json)")
		mode       = flag.String("mode", "", "Trading mode override: auto, manual or hybrid")
		envFile    = flag.String("env", ".env", "Environment file path")
		simCash    = flag.Float64("sim-cash", 10000, "Starting cash for the simulator broker")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Please specify a config file with -config flag")
	}

	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: could not load %s (%v), relying on environment variables", *envFile, err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mode != "" {
		cfg.Mode = config.TradingMode(*mode)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid mode override: %v", err)
		}
	}

	appLog, err := logger.New("tradepilot")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Close()

	b, feed := buildBroker(cfg, *simCash, appLog)

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var health *monitoring.HealthChecker
	if cfg.Monitoring != nil && cfg.Monitoring.Enabled {
		health = monitoring.NewHealthChecker()
		srv := monitoring.Serve(cfg.Monitoring.Listen, health)
		defer srv.Close()
		appLog.Info("Monitoring endpoints on %s", cfg.Monitoring.Listen)
	}

	predictor := predict.NewMomentum(brokerPrices{b}, momentumWindow, momentumSensitivity)

	coordinator := engine.New(cfg, b, predictor, st, feed, health, appLog)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = coordinator.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	fmt.Printf("tradepilot running: mode=%s broker=%s symbols=%v\n", cfg.Mode, b.Name(), cfg.Symbols)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutdown signal received...")
	coordinator.Shutdown()
	fmt.Println("Engine stopped")
}

// buildBroker selects the configured broker adapter. The live broker also
// gets a websocket price feed; the simulator does not need one.
func buildBroker(cfg *config.Config, simCash float64, appLog *logger.Logger) (broker.Broker, *pricefeed.Feed) {
	switch cfg.Broker.Name {
	case "bybit":
		client := bybit.New(bybit.Config{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			Testnet:   cfg.Broker.Testnet,
			Demo:      cfg.Broker.Demo,
			Category:  cfg.Broker.Category,
			Quote:     cfg.Broker.Quote,
		})
		feed := pricefeed.New(cfg.Symbols, cfg.Broker.Testnet, appLog)
		return client, feed
	default:
		return broker.NewSimulator(simCash), nil
	}
}

// brokerPrices adapts the broker to the predictor's price source.
type brokerPrices struct {
	b broker.Broker
}

func (p brokerPrices) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return p.b.GetLatestPrice(ctx, symbol)
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err != nil {
		return fmt.Errorf("env file %s not found", envFile)
	}
	return godotenv.Load(envFile)
}
