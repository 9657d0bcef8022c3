// Command downstream runs the dependency-impact orchestration agent.
//
// The agent exposes its skills over HTTP (agent card, execute endpoint,
// health, metrics) and drains a durable PostgreSQL task queue with a
// worker pool that runs the impact-analysis and template-propagation
// workflows.
//
// # Configuration
//
// Configuration is read from an optional YAML file (-config flag) with
// DOWNSTREAM_* environment overrides applied on top:
//
//	DOWNSTREAM_AGENT_URL     - advertised base URL (default: http://localhost:<port>)
//	DOWNSTREAM_PORT          - HTTP listen port (default: 8080)
//	DOWNSTREAM_AUTH_TOKEN    - bearer token for protected skills (empty disables auth)
//	DOWNSTREAM_DB_HOST       - PostgreSQL host (default: localhost)
//	DOWNSTREAM_DB_PORT       - PostgreSQL port (default: 5432)
//	DOWNSTREAM_DB_NAME       - database name (default: downstream)
//	DOWNSTREAM_DB_USER       - database user (default: downstream)
//	DOWNSTREAM_DB_PASSWORD   - database password
//	DOWNSTREAM_GITHUB_TOKEN  - GitHub token for issue creation (empty uses the in-memory recorder)
//	DOWNSTREAM_WORKERS       - worker pool size (default: 2)
//	DOWNSTREAM_PEER_<NAME>   - peer endpoint as "url[,token]", e.g. DOWNSTREAM_PEER_KNOWLEDGE_BASE
//
// # Example
//
//	DOWNSTREAM_DB_HOST=db DOWNSTREAM_AUTH_TOKEN=secret ./downstream -config agent.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/a2a"
	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/config"
	"github.com/downstreamhq/downstream/graph"
	graphpg "github.com/downstreamhq/downstream/graph/postgres"
	"github.com/downstreamhq/downstream/issues"
	"github.com/downstreamhq/downstream/issues/github"
	issuesmem "github.com/downstreamhq/downstream/issues/memory"
	"github.com/downstreamhq/downstream/server"
	"github.com/downstreamhq/downstream/skills"
	taskpg "github.com/downstreamhq/downstream/task/postgres"
	"github.com/downstreamhq/downstream/triage"
	"github.com/downstreamhq/downstream/worker"
	"github.com/downstreamhq/downstream/workflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx = log.With(ctx, log.KV{K: "agent", V: "downstream"})

	if err := run(ctx, *configPath); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Database and stores.
	db, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close database"})
		}
	}()
	db.SetMaxOpenConns(cfg.Workers * 2)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	tasks, err := taskpg.New(db)
	if err != nil {
		return fmt.Errorf("create task store: %w", err)
	}
	if err := tasks.EnsureSchema(ctx); err != nil {
		return err
	}
	graphStore, err := graphpg.New(db)
	if err != nil {
		return fmt.Errorf("create graph store: %w", err)
	}
	if err := graphStore.EnsureSchema(ctx); err != nil {
		return err
	}

	// Issue backend: GitHub when a token is configured, in-memory
	// recorder otherwise so local runs never file real issues.
	var backend issues.Backend
	if cfg.GitHubToken != "" {
		backend, err = github.New(cfg.GitHubToken)
		if err != nil {
			return fmt.Errorf("create github backend: %w", err)
		}
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no github token configured, recording issues in memory"})
		backend = issuesmem.New()
	}

	// Peer agents.
	peers := a2a.NewPeers()
	for name, peer := range cfg.Peers {
		var opts []a2a.Option
		if peer.Token != "" {
			opts = append(opts, a2a.WithBearerToken(peer.Token))
		}
		peers.Add(name, a2a.New(peer.URL, opts...))
		log.Print(ctx, log.KV{K: "msg", V: "peer registered"}, log.KV{K: "peer", V: name}, log.KV{K: "url", V: peer.URL})
	}

	// Workflow engine and worker pool.
	analyzer := &triage.Heuristic{}
	engine, err := workflow.NewEngine(tasks, graphStore, peers, analyzer, analyzer, backend)
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}
	pool, err := worker.New(tasks, map[string]worker.Handler{
		skills.TaskTypeImpactAnalysis: engine.AnalyzeImpact,
		skills.TaskTypeTemplateTriage: engine.PropagateTemplate,
	}, worker.WithSize(cfg.Workers), worker.WithPollInterval(cfg.PollInterval()))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	// Skill registry.
	reg, err := buildRegistry(tasks, graphStore, analyzer)
	if err != nil {
		return err
	}

	// HTTP server.
	srv, err := server.New(agent.CardInfo{
		Name:        "downstream",
		Description: "Dependency-impact orchestration agent: receives change notifications, analyzes downstream consumers, and files review issues.",
		Version:     version,
		URL:         cfg.AgentURL,
	}, reg, tasks, peers,
		server.WithAuthToken(cfg.AuthToken),
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithPinger(tasks),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(runCtx)
	janitor := worker.NewJanitor(tasks, cfg.Retention(), cfg.ReapAfter())
	go janitor.Run(runCtx)

	// log.HTTP seeds the request contexts with the logger so handlers
	// can log through them.
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           log.HTTP(runCtx)(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Print(runCtx, log.KV{K: "msg", V: "agent listening"}, log.KV{K: "port", V: cfg.Port})
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-runCtx.Done():
	}

	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown"})
	}
	pool.Wait()
	log.Print(ctx, log.KV{K: "msg", V: "shutdown complete"})
	return nil
}

// buildRegistry registers the full skill surface.
func buildRegistry(tasks *taskpg.Store, g graph.Store, analyzer *triage.Heuristic) (*agent.Registry, error) {
	reg := agent.NewRegistry()

	notification, err := skills.NewChangeNotification(tasks)
	if err != nil {
		return nil, err
	}
	impact, err := skills.NewImpactAnalysis(g)
	if err != nil {
		return nil, err
	}
	deps, err := skills.NewDependencies(g)
	if err != nil {
		return nil, err
	}
	status, err := skills.NewOrchestrationStatus(tasks)
	if err != nil {
		return nil, err
	}
	consumerTriage, err := skills.NewConsumerTriage(g, analyzer)
	if err != nil {
		return nil, err
	}
	templateTriage, err := skills.NewTemplateTriage(g, analyzer)
	if err != nil {
		return nil, err
	}
	addRel, err := skills.NewAddRelationship(g)
	if err != nil {
		return nil, err
	}

	for _, s := range []agent.Skill{
		notification, impact, deps, status, consumerTriage, templateTriage, addRel,
	} {
		if err := reg.Register(s, s.Meta().AuthRequired); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
