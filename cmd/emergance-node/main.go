// cmd/emergance-node/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/bridge"
	"github.com/emergance/emergance/internal/config"
	"github.com/emergance/emergance/internal/dispatch"
	"github.com/emergance/emergance/internal/keystore"
	"github.com/emergance/emergance/internal/location"
	"github.com/emergance/emergance/internal/logging"
	"github.com/emergance/emergance/internal/metrics"
	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/reliability"
	"github.com/emergance/emergance/internal/store"
	"github.com/emergance/emergance/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "emergance-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	role, err := cfg.ParseRole()
	if err != nil {
		return err
	}
	networkKey, err := cfg.NetworkKey()
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewDB(filepath.Join(cfg.DataDir, "emergance.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	keys, err := keystore.LoadOrInit(cfg.MissionFile, role, networkKey)
	if err != nil {
		return err
	}
	log.Info("node identity loaded",
		zap.String("device_id", keys.Identity().DeviceID),
		zap.String("role", string(role)),
		zap.Int("trusted_devices", keys.TrustedCount()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := buildService(log, db, keys, role, cfg)

	lan := transport.NewLANAdapter(keys.Identity().DeviceID, cfg.LANListen, svc.HandleIncoming, log)
	manager := transport.NewManager(log,
		lan,
		transport.NewWifiDirectAdapter(),
		transport.NewBLEAdapter(),
	)
	svc.AttachNetwork(manager)

	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	disc := transport.NewDiscovery(transport.Announcement{
		DeviceID: keys.Identity().DeviceID,
		Role:     string(role),
		TCPPort:  listenPort(lan.Addr()),
	}, func(ann transport.Announcement, from net.Addr) {
		lan.AddPeer(ann.DeviceID, transport.PeerAddress(ann, from), ann.Role)
	}, log)
	if err := disc.Start(ctx); err != nil {
		log.Warn("discovery unavailable, relying on inbound peers", zap.Error(err))
	} else {
		defer disc.Stop()
	}

	go svc.Run(ctx)

	if cfg.Bridge.Enabled {
		srv := bridge.NewServer(svc, log)
		go func() {
			if err := srv.Serve(ctx, cfg.Bridge.Listen); err != nil {
				log.Error("bridge stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	time.Sleep(100 * time.Millisecond) // let in-flight handlers settle
	return nil
}

func buildService(log *zap.Logger, db *store.DB, keys *keystore.KeyStore, role protocol.Role, cfg config.Config) *dispatch.Service {
	loc := location.NewStatic(cfg.Location.Lat, cfg.Location.Lng, cfg.Location.AccuracyM)

	return dispatch.New(dispatch.Deps{
		Log:      log,
		DB:       db,
		Keys:     keys,
		Queue:    reliability.NewQueue(db),
		Location: location.NewCache(loc, 5*time.Minute),
		Metrics:  metrics.New(nil),
		Role:     role,
		Name:     cfg.Name,
	})
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return 0
	}
	return port
}
