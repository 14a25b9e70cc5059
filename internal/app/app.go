// Package app wires every component the spec names into one running
// process: config, telemetry, the key pools, the Queue/Dispatcher pair,
// the per-provider upstream clients, and the ambient HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/relayhaus/llmrelay/internal/abuseguard"
	"github.com/relayhaus/llmrelay/internal/config"
	"github.com/relayhaus/llmrelay/internal/httpserver"
	"github.com/relayhaus/llmrelay/internal/platform"
	"github.com/relayhaus/llmrelay/internal/telemetry"
	"github.com/relayhaus/llmrelay/internal/version"
	"github.com/relayhaus/llmrelay/pkg/dispatcher"
	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/promptlog"
	"github.com/relayhaus/llmrelay/pkg/provider/anthropic"
	"github.com/relayhaus/llmrelay/pkg/provider/awsbedrock"
	"github.com/relayhaus/llmrelay/pkg/provider/openai"
	"github.com/relayhaus/llmrelay/pkg/provider/palm"
	"github.com/relayhaus/llmrelay/pkg/proxyexec"
	"github.com/relayhaus/llmrelay/pkg/queue"
	"github.com/relayhaus/llmrelay/pkg/relay"
	"github.com/relayhaus/llmrelay/pkg/ticket"
	"github.com/relayhaus/llmrelay/pkg/waitestimate"
)

// Run builds every component the proxy needs and serves until ctx is
// cancelled (SIGINT/SIGTERM), then drains in-flight work and returns.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "llmrelay", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, abuse guard and wait estimator will fail open", "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var db *pgxpool.Pool
	var sink promptlog.Sink = promptlog.NopSink{}
	if cfg.PromptLogging {
		pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres unavailable, prompt logging disabled", "error", err)
		} else {
			defer pool.Close()
			if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
				logger.Warn("running prompt log migrations failed", "error", err)
			}
			writer := promptlog.NewPostgresWriter(pool, logger)
			writer.Start(ctx)
			defer writer.Close()
			sink = writer
			db = pool
		}
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	pools, err := buildPools(cfg)
	if err != nil {
		return fmt.Errorf("building key pools: %w", err)
	}
	poolFor := poolResolver(pools)

	estimator := waitestimate.New(rdb)

	q := queue.New(logger, estimator, relay.Heartbeat, relay.Stall)
	defer q.Stop()

	disp := dispatcher.New(q, poolsAdapter(poolFor), logger)
	done := make(chan struct{})
	defer close(done)
	go disp.Run(done)
	go q.RunStallSweepLoop(done)

	guard := abuseguard.New(rdb, logger, cfg.AbuseGuardMaxRejections, parseDurationOr(cfg.AbuseGuardWindow, 15*time.Minute))

	clients := buildClients()

	executor := &proxyexec.Executor{
		Queue:     q,
		Clients:   clients,
		Pools:     poolFor,
		Estimator: estimator,
		Logger:    logger,
		PromptLog: func(t *ticket.Ticket, outcome string, duration time.Duration) {
			sink.Log(promptlog.Entry{
				TicketID:     t.ID,
				Identity:     t.Identity,
				Partition:    t.Partition,
				Provider:     string(t.OutboundDialect),
				Model:        t.Model,
				PromptTokens: t.PromptTokens,
				OutputTokens: t.OutputTokens,
				RetryCount:   t.RetryCount,
				Outcome:      outcome,
				Duration:     duration,
				CreatedAt:    time.Now(),
			})
		},
	}

	pipeline := preprocess.Standard(preprocess.Config{
		MaxOutputTokensDefault: cfg.MaxOutputTokensDefault,
		BlockedOrigins:         cfg.BlockedOrigins,
		BlockMessage:           cfg.BlockMessage,
		RejectDisallowed:       cfg.RejectDisallowed,
		RejectMessage:          cfg.RejectMessage,
	})

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: []string{"*"},
		Title:              cfg.ServerTitle,
	}, logger, db, rdb, metricsReg)

	handler := relay.NewHandler(logger, q, executor, guard, pipeline)
	srv.Router.Mount("/openai", handler.Routes(partition.ServiceOpenAI, ticket.DialectOpenAI))
	srv.Router.Mount("/anthropic", handler.Routes(partition.ServiceAnthropic, ticket.DialectAnthropic))
	srv.Router.Mount("/palm", handler.Routes(partition.ServicePalm, ticket.DialectPalm))
	srv.Router.Mount("/aws", handler.Routes(partition.ServiceAWS, ticket.DialectAWSClaude))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses can run far longer than a fixed write deadline allows
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llmrelay listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// poolsAdapter adapts a plain resolver function to dispatcher.Pools.
type poolsAdapter func(partition.Family) *keypool.Pool

func (f poolsAdapter) PoolFor(family partition.Family) *keypool.Pool { return f(family) }

// buildPools constructs one keypool.Pool per provider from the configured
// credential lists, and returns the static family->pool mapping every
// family resolves through.
func buildPools(cfg *config.Config) (map[partition.Family]*keypool.Pool, error) {
	openaiPool := keypool.NewPool(keysFrom("openai", cfg.OpenAIKeys)...)
	anthropicPool := keypool.NewPool(keysFrom("anthropic", cfg.AnthropicKeys)...)
	palmPool := keypool.NewPool(keysFrom("palm", cfg.PalmKeys)...)

	awsKeys, err := awsKeysFrom(cfg.AWSCreds)
	if err != nil {
		return nil, err
	}
	awsPool := keypool.NewPool(awsKeys...)

	return map[partition.Family]*keypool.Pool{
		partition.Turbo:     openaiPool,
		partition.GPT4:      openaiPool,
		partition.GPT4_32K:  openaiPool,
		partition.Claude:    anthropicPool,
		partition.Bison:     palmPool,
		partition.AWSClaude: awsPool,
	}, nil
}

func keysFrom(provider string, secrets []string) []*keypool.Key {
	keys := make([]*keypool.Key, 0, len(secrets))
	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		keys = append(keys, keypool.NewKey(fmt.Sprintf("%s-%d", provider, i), provider, secret, "", ""))
	}
	return keys
}

// awsKeysFrom parses "access:secret:region" triples. Key.Secret is packed
// as "access:secret" (the same colon-joined shape awsbedrock.Client expects
// to split back apart), and Key.Region carries the region separately since
// the key pool already has a dedicated field for it.
func awsKeysFrom(creds []string) ([]*keypool.Key, error) {
	keys := make([]*keypool.Key, 0, len(creds))
	for i, triple := range creds {
		if triple == "" {
			continue
		}
		parts := strings.SplitN(triple, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed AWS credential triple at index %d, expected access:secret:region", i)
		}
		secret := parts[0] + ":" + parts[1]
		region := parts[2]
		keys = append(keys, keypool.NewKey(fmt.Sprintf("aws-%d", i), "aws", secret, region, ""))
	}
	return keys, nil
}

func poolResolver(byFamily map[partition.Family]*keypool.Pool) func(partition.Family) *keypool.Pool {
	return func(f partition.Family) *keypool.Pool { return byFamily[f] }
}

// buildClients wires one upstream HTTP client per family. Every OpenAI
// family shares a client, since the dialect and base URL are identical
// across turbo/gpt4/gpt4-32k — only the model string differs, and that
// travels in the request body, not the client.
func buildClients() proxyexec.ClientResolver {
	openaiClient := openai.New("")
	anthropicClient := anthropic.New("")
	palmClient := palm.New("")
	awsClient := awsbedrock.New()

	byFamily := map[partition.Family]proxyexec.Client{
		partition.Turbo:     openaiClient,
		partition.GPT4:      openaiClient,
		partition.GPT4_32K:  openaiClient,
		partition.Claude:    anthropicClient,
		partition.Bison:     palmClient,
		partition.AWSClaude: awsClient,
	}

	return func(f partition.Family) proxyexec.Client { return byFamily[f] }
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
