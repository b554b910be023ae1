package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/veil/params"
	"github.com/uhyunpark/veil/pkg/api"
	"github.com/uhyunpark/veil/pkg/auction"
	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/keyservice"
	"github.com/uhyunpark/veil/pkg/p2p"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	// Priority: ENV > .env file > defaults
	cfg, err := params.LoadFromEnv(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	asset, err := auction.ParseAsset(cfg.Round.BaseAsset)
	if err != nil {
		return err
	}

	// ---- Storage ----
	var store storage.Store
	if cfg.Node.InMemory {
		store, err = storage.NewInMemoryPebbleStore()
		log.Warn("storage_in_memory - state is lost on restart")
	} else {
		store, err = storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "veil.db"))
	}
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Key service ----
	if cfg.KeyService.Seed == "" {
		log.Warn("keyservice_random_seed - orders sealed before a restart cannot be revealed")
	}
	keys, err := keyservice.NewLocal(cfg.KeyService.Seed)
	if err != nil {
		return err
	}

	// ---- Settlement ----
	var signer *vcrypto.Signer
	if cfg.Settlement.SigningKey != "" {
		if signer, err = vcrypto.FromPrivateKeyHex(cfg.Settlement.SigningKey); err != nil {
			return err
		}
		log.Infow("settlement_signer", "address", signer.Address().Hex())
	}
	var executor settlement.Executor
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := settlement.NewKafkaExecutor(cfg.Kafka.Brokers, cfg.Kafka.Topic, signer, log)
		if err != nil {
			return err
		}
		defer kafka.Close()
		executor = kafka
		log.Infow("settlement_kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		executor = settlement.NewLogExecutor(signer, log)
	}

	// ---- Round machine ----
	machine, err := round.NewMachine(round.Config{
		Duration:   cfg.Round.Duration,
		Cooldown:   cfg.Round.Cooldown,
		AutoStart:  cfg.Round.AutoStart,
		AutoRefund: cfg.Round.AutoRefund,
		Asset:      asset,
	}, round.Deps{
		Store:    store,
		Keys:     keys,
		Executor: executor,
		Clock:    util.RealClock{},
		Logger:   log,
	})
	if err != nil {
		return err
	}
	snap := machine.State()
	log.Infow("round_machine_ready", "round", snap.RoundID, "state", snap.State, "duration", cfg.Round.Duration.String())

	scheduler := round.NewScheduler(machine, cfg.Round.Tick, util.RealClock{}, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// ---- Gossip (optional) ----
	if cfg.P2P.Enabled {
		gossip, err := p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		gossip.SetHandler(func(_ context.Context, ev p2p.RemoteEvent) {
			log.Infow("peer_round_event", "peer", ev.From.String(), "round", ev.Event.RoundID, "type", ev.Event.Type)
		})
		go gossip.Relay(ctx, machine)
		log.Infow("p2p_enabled", "addrs", gossip.Addrs())
	}

	// ---- API ----
	if cfg.API.AdminToken == "" {
		log.Warn("admin_routes_disabled - set API_ADMIN_TOKEN to enable them")
	}
	server := api.NewServer(api.Options{
		Machine:        machine,
		Scheduler:      scheduler,
		Domain:         vcrypto.DefaultDomain(),
		AdminToken:     cfg.API.AdminToken,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         log,
	})
	return server.Start(ctx, cfg.API.Addr)
}
