// Command sequencer runs the oracle sequencer: it loads feed, reporter and
// provider registries, dials every configured network, and drives the vote
// ingress, slot processing, block creation and per-network publication
// pipeline until it receives a termination signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"

	"github.com/blocksense-network/blocksense-sub000/internal/bus"
	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/config"
	"github.com/blocksense-network/blocksense-sub000/internal/logging"
	"github.com/blocksense-network/blocksense-sub000/internal/sequencer"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Component: "boot"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{
		Level:     logging.Level(cfg.LogLevel),
		Format:    logging.Format(cfg.LogFormat),
		Component: "sequencer",
	})
	cfg.Print(logger)

	deps, cleanup, err := buildDependencies(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire sequencer dependencies")
	}
	defer cleanup()

	seq, err := sequencer.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct sequencer")
	}

	adminMux := buildAdminMux(seq)

	httpServer := &http.Server{Addr: cfg.Addr, Handler: adminMux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	go seq.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	stop()
	seq.Shutdown(10 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildDependencies reads the JSON registries, dials every configured
// network's RPC endpoint, and loads each network's signing key from its
// per-network environment variable.
func buildDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sequencer.Dependencies, func(), error) {
	feedsRegistry, err := config.LoadFeeds(cfg.FeedsConfigPath)
	if err != nil {
		return sequencer.Dependencies{}, nil, err
	}
	reportersRegistry, err := config.LoadReporters(cfg.ReportersConfigPath)
	if err != nil {
		return sequencer.Dependencies{}, nil, err
	}
	providers, err := config.LoadProviders(cfg.ProvidersConfigPath)
	if err != nil {
		return sequencer.Dependencies{}, nil, err
	}

	clients := make(map[chain.Network]chain.EVMClient, len(providers))
	signers := make(map[chain.Network]chain.Signer, len(providers))
	var safeCaller *chain.SafeClient

	for name, pc := range providers {
		client, err := chain.Dial(ctx, pc.RPCURL)
		if err != nil {
			return sequencer.Dependencies{}, nil, fmt.Errorf("dialing network %s: %w", name, err)
		}
		clients[name] = client

		keyEnv := fmt.Sprintf("PROVIDER_%s_PRIVATE_KEY", strings.ToUpper(string(name)))
		keyHex := os.Getenv(keyEnv)
		if keyHex == "" {
			return sequencer.Dependencies{}, nil, fmt.Errorf("missing %s for network %s", keyEnv, name)
		}
		signer, err := chain.NewSignerFromPrivateKey(keyHex)
		if err != nil {
			return sequencer.Dependencies{}, nil, fmt.Errorf("network %s: %w", name, err)
		}
		signers[name] = signer

		if pc.SafeAddress != nil && safeCaller == nil {
			safeCaller = &chain.SafeClient{Client: client, Signer: signer}
		}
	}

	var producer *bus.Producer
	var closeProducer func()
	if cfg.KafkaEnabled {
		p, err := bus.NewProducer(cfg.KafkaBrokerList(), logging.WithComponent(logger, "bus"))
		if err != nil {
			return sequencer.Dependencies{}, nil, fmt.Errorf("connecting to kafka: %w", err)
		}
		producer = p
		closeProducer = p.Close
	} else {
		closeProducer = func() {}
	}

	deps := sequencer.Dependencies{
		Feeds:     feedsRegistry,
		Reporters: reportersRegistry,
		Providers: providers,
		Clients:   clients,
		Signers:   signers,
		Producer:  producer,
	}
	if safeCaller != nil {
		deps.SafeCaller = safeCaller
	}

	return deps, closeProducer, nil
}

// buildAdminMux wires the operator-facing surface named in spec §6: metrics
// export, per-feed and per-provider introspection, log-level control, and
// the reporter-facing vote endpoints from internal/ingress.
func buildAdminMux(seq *sequencer.Sequencer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/get_feed_report_interval/", func(w http.ResponseWriter, r *http.Request) {
		idHex := strings.TrimPrefix(r.URL.Path, "/get_feed_report_interval/")
		writeFeedReportInterval(w, seq, idHex)
	})

	mux.HandleFunc("/list_provider_status", func(w http.ResponseWriter, r *http.Request) {
		writeProviderStatus(w, seq)
	})

	mux.HandleFunc("/disable_provider/", func(w http.ResponseWriter, r *http.Request) {
		name := chain.Network(strings.TrimPrefix(r.URL.Path, "/disable_provider/"))
		if st, ok := seq.Networks[name]; ok {
			st.Disable()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/main_log_level/", func(w http.ResponseWriter, r *http.Request) {
		level := strings.TrimPrefix(r.URL.Path, "/main_log_level/")
		zlevel, err := zerolog.ParseLevel(level)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		zerolog.SetGlobalLevel(zlevel)
		w.WriteHeader(http.StatusNoContent)
	})

	ingressMux := seq.Ingress.Mux()
	mux.Handle("/post_report", ingressMux)
	mux.Handle("/post_reports_batch", ingressMux)
	mux.Handle("/post_aggregated_consensus_vote", ingressMux)
	mux.Handle("/get_last_published_value_and_time/", ingressMux)

	return mux
}

func writeFeedReportInterval(w http.ResponseWriter, seq *sequencer.Sequencer, idHex string) {
	for _, f := range seq.Feeds.List() {
		if hexEqualsID(idHex, f.ID) {
			_ = json.NewEncoder(w).Encode(map[string]int64{"report_interval_ms": f.ReportIntervalMS})
			return
		}
	}
	http.NotFound(w, nil)
}

func hexEqualsID(idHex string, id [16]byte) bool {
	return strings.EqualFold(idHex, fmt.Sprintf("%x", id))
}

func writeProviderStatus(w http.ResponseWriter, seq *sequencer.Sequencer) {
	type providerStatus struct {
		Network string `json:"network"`
		Status  string `json:"status"`
	}
	out := make([]providerStatus, 0, len(seq.Networks))
	for name, st := range seq.Networks {
		st.Lock()
		status := st.Status.String()
		st.Unlock()
		out = append(out, providerStatus{Network: string(name), Status: status})
	}
	_ = json.NewEncoder(w).Encode(out)
}
