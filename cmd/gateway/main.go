// Command gateway runs the MEW Protocol gateway: it loads a top-level
// config file plus every space file it references, opens the shared
// history journal, and starts one router and one connection-accepting
// service per space.
//
// Grounded on cellorg/cmd/orchestrator/main.go's flag-parsing /
// config-load / signal-handling shape, adapted from spawning a single
// orchestrator process to starting N independent spaces that each own
// their own router goroutine and listener pair.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mew-protocol/gateway/internal/broker"
	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/history"
	"github.com/mew-protocol/gateway/pkg/logging"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway config file")
	logDir := flag.String("log-dir", "logs", "directory for session log files")
	quiet := flag.Bool("quiet", false, "suppress console logging")
	flag.Parse()

	if err := run(*configPath, *logDir, *quiet); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(configPath, logDir string, quiet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	spaces, err := cfg.LoadSpaces()
	if err != nil {
		return fmt.Errorf("load spaces: %w", err)
	}
	if err := config.Validate(spaces); err != nil {
		return fmt.Errorf("validate spaces: %w", err)
	}

	logger, err := logging.New(logDir, quiet)
	if err != nil {
		return fmt.Errorf("open session logger: %w", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	journal, err := history.Open(history.Config{Dir: cfg.Gateway.HistoryDir})
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer journal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("gateway: shutdown signal received")
		cancel()
	}()

	defaultIdleTimeout := time.Duration(cfg.Gateway.IdleTimeoutSeconds) * time.Second

	var wg sync.WaitGroup
	for _, spaceCfg := range spaces {
		space := broker.NewSpace(spaceCfg, journal, logger, defaultIdleTimeout)
		tokens := collectTokens(spaceCfg)
		staticCaps := collectStaticCaps(spaceCfg)

		pipeAddr := cfg.Gateway.PipeAddr
		if spaceCfg.PipeAddr != "" {
			pipeAddr = spaceCfg.PipeAddr
		}
		socketAddr := cfg.Gateway.SocketAddr
		if spaceCfg.SocketAddr != "" {
			socketAddr = spaceCfg.SocketAddr
		}
		svc := broker.NewService(space, tokens, staticCaps, pipeAddr, socketAddr)

		wg.Add(1)
		go func(spaceID string) {
			defer wg.Done()
			space.Run(ctx)
		}(spaceCfg.ID)

		wg.Add(1)
		go func(spaceID string, svc *broker.Service) {
			defer wg.Done()
			if err := svc.Start(ctx); err != nil {
				log.Printf("gateway: space %s service stopped: %v", spaceID, err)
			}
		}(spaceCfg.ID, svc)

		log.Printf("gateway: serving space %s (pipe %s, socket %s)", spaceCfg.ID, pipeAddr, socketAddr)
	}

	wg.Wait()
	return nil
}

func collectTokens(s config.SpaceConfig) map[string][]string {
	tokens := make(map[string][]string, len(s.Participants))
	for _, p := range s.Participants {
		tokens[p.ID] = p.Tokens
	}
	return tokens
}

func collectStaticCaps(s config.SpaceConfig) map[string][]capability.Capability {
	caps := make(map[string][]capability.Capability, len(s.Participants))
	for _, p := range s.Participants {
		caps[p.ID] = broker.ConvertCapabilities(p.StaticCapabilities)
	}
	return caps
}
