// Command leadgraph runs the lead handoff service.
//
// Usage:
//
//	leadgraph -config leadgraph.yaml
//	leadgraph -config leadgraph.yaml -print-graph
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/emit"
	"github.com/dshills/leadgraph-go/graph/model"
	"github.com/dshills/leadgraph-go/graph/model/anthropic"
	gemini "github.com/dshills/leadgraph-go/graph/model/google"
	"github.com/dshills/leadgraph-go/graph/model/openai"
	"github.com/dshills/leadgraph-go/graph/store"
	"github.com/dshills/leadgraph-go/internal/config"
	"github.com/dshills/leadgraph-go/internal/logging"
	"github.com/dshills/leadgraph-go/internal/server"
	"github.com/dshills/leadgraph-go/internal/telemetry"
	"github.com/dshills/leadgraph-go/lead"
	"github.com/dshills/leadgraph-go/lead/approval"
	"github.com/dshills/leadgraph-go/lead/crm"
	leadgmail "github.com/dshills/leadgraph-go/lead/gmail"
	"github.com/dshills/leadgraph-go/lead/llm"
	leadsheets "github.com/dshills/leadgraph-go/lead/sheets"
)

const reaperBatch = 100

func main() {
	configPath := flag.String("config", os.Getenv("LEADGRAPH_CONFIG"), "Path to the YAML configuration file")
	printGraph := flag.Bool("print-graph", false, "Print the workflow as a mermaid diagram and exit")
	flag.Parse()

	if err := run(*configPath, *printGraph); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, printGraph bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	chat, err := newChatModel(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	usage := model.NewUsageTracker()
	analyst := llm.New(chat, llm.WithUsageTracker(usage))

	collab, err := collaborators(ctx, cfg, analyst)
	if err != nil {
		return err
	}

	emitters := emit.Multi{emit.NewLogEmitter(logger)}
	if cfg.Tracing.Enabled {
		tp := telemetry.NewTracerProvider(cfg.Tracing.ServiceName, logger)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("failed to flush traces", "error", err)
			}
		}()
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("leadgraph")))
	}

	opts := []graph.Option{
		graph.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		graph.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout),
		graph.WithMaxSteps(cfg.Engine.MaxSteps),
		graph.WithRetryPolicy(graph.RetryPolicy{
			MaxAttempts: cfg.Engine.Retry.MaxAttempts,
			BaseDelay:   cfg.Engine.Retry.BaseDelay,
			MaxDelay:    cfg.Engine.Retry.MaxDelay,
		}),
		graph.WithCheckpointTTL(cfg.Workflow.ApprovalTTL),
		graph.WithClaimLease(cfg.Engine.ClaimLease),
		graph.WithEmitter(emitters),
		graph.WithLogger(logger),
	}
	var srvOpts []server.Option
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
		srvOpts = append(srvOpts, server.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	exec, err := graph.NewExecutor(st, opts...)
	if err != nil {
		return err
	}

	g, err := lead.Build(lead.Config{
		MaxRevisions:      cfg.Workflow.MaxRevisions,
		MaxClarifications: cfg.Workflow.MaxClarifications,
		ReviewThreshold:   cfg.Workflow.ReviewThreshold,
		ApprovalStatuses:  cfg.Workflow.ApprovalStatuses,
		EngagementWindow:  cfg.Workflow.EngagementWindow,
		ResearchTimeout:   cfg.Workflow.ResearchTimeout,
		Subject:           cfg.Workflow.Subject,
		Logger:            logger,
	}, collab)
	if err != nil {
		return err
	}
	if printGraph {
		fmt.Println(g.Mermaid())
		return nil
	}

	svc, err := lead.NewService(exec, g, analyst, logger)
	if err != nil {
		return err
	}

	banner(cfg, collab)
	srvOpts = append(srvOpts, server.WithLogger(logger))
	srv := server.New(svc, srvOpts...)
	reaper := graph.NewReaper(exec, reaperBatch)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server)
	})
	group.Go(func() error {
		return reaper.Run(gctx, cfg.Workflow.ReaperInterval)
	})
	err = group.Wait()

	logger.Info("shutting down",
		"llm_calls", len(usage.Calls()),
		"llm_cost_usd", usage.TotalCost(),
	)
	return err
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	case "redis":
		return store.NewRedisStoreFromURL(ctx, cfg.DSN, cfg.Prefix)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

func newChatModel(ctx context.Context, cfg config.LLMConfig) (model.ChatModel, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s is not set: %w", cfg.APIKeyEnv, model.ErrMissingAPIKey)
	}
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewChatModel(anthropic.Config{APIKey: key, Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "openai":
		return openai.NewChatModel(openai.Config{APIKey: key, Model: cfg.Model, JSON: true, BaseURL: cfg.BaseURL}), nil
	case "google":
		return gemini.NewChatModel(ctx, gemini.Config{APIKey: key, Model: cfg.Model, JSON: true})
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
}

func collaborators(ctx context.Context, cfg *config.Config, analyst *llm.Analyst) (lead.Collaborators, error) {
	c := lead.Collaborators{Analyst: analyst, Researcher: analyst}

	crmClient, err := crm.New(crm.Config{
		BaseURL:    cfg.CRM.BaseURL,
		Token:      os.Getenv(cfg.CRM.TokenEnv),
		APIVersion: cfg.CRM.APIVersion,
	}, nil)
	if err != nil {
		return c, err
	}
	c.CRM = crmClient

	if cfg.Marketing.BaseURL != "" {
		mkt, err := crm.NewMarketing(crm.MarketingConfig{
			BaseURL:      cfg.Marketing.BaseURL,
			ClientID:     cfg.Marketing.ClientID,
			ClientSecret: os.Getenv(cfg.Marketing.ClientSecretEnv),
		}, nil)
		if err != nil {
			return c, err
		}
		c.Marketing = mkt
	}

	if cfg.Google.CredentialsFile == "" {
		return c, errors.New("google.credentials_file is required to send email")
	}
	mailCreds, err := googleCredentials(ctx, cfg.Google.CredentialsFile, gmail.GmailSendScope, cfg.Google.Sender)
	if err != nil {
		return c, err
	}
	mailer, err := leadgmail.New(ctx, leadgmail.Config{
		From:    cfg.Google.Sender,
		ReplyTo: cfg.Google.ReplyTo,
		Cc:      cfg.Google.Cc,
	}, mailCreds)
	if err != nil {
		return c, err
	}
	c.Mailer = mailer

	if cfg.Google.SpreadsheetID != "" {
		sheetCreds, err := googleCredentials(ctx, cfg.Google.CredentialsFile, sheets.SpreadsheetsScope, "")
		if err != nil {
			return c, err
		}
		ledger, err := leadsheets.New(ctx, leadsheets.Config{
			SpreadsheetID: cfg.Google.SpreadsheetID,
			Sheet:         cfg.Google.Sheet,
		}, sheetCreds)
		if err != nil {
			return c, err
		}
		c.Ledger = ledger
	}

	switch cfg.Approval.Driver {
	case "slack":
		slack, err := approval.NewSlack("", os.Getenv(cfg.Approval.SlackTokenEnv), cfg.Approval.Channel, nil)
		if err != nil {
			return c, err
		}
		c.Approvals = slack
	case "webhook":
		hook, err := approval.NewWebhook(cfg.Approval.WebhookURL, cfg.Approval.Channel, nil)
		if err != nil {
			return c, err
		}
		c.Approvals = hook
	}
	return c, nil
}

// googleCredentials builds a token source from a service account key.
// A non-empty subject is impersonated through domain-wide delegation.
func googleCredentials(ctx context.Context, path, scope, subject string) (option.ClientOption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	jwt, err := google.JWTConfigFromJSON(data, scope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	jwt.Subject = subject
	return option.WithTokenSource(jwt.TokenSource(ctx)), nil
}

func banner(cfg *config.Config, c lead.Collaborators) {
	color.Cyan("leadgraph listening on %s", cfg.Server.Addr)
	color.White("  store:     %s", cfg.Store.Driver)
	color.White("  llm:       %s (%s)", cfg.LLM.Provider, cfg.LLM.Model)
	color.White("  revisions: %d, approval ttl %s", cfg.Workflow.MaxRevisions, cfg.Workflow.ApprovalTTL)
	if c.Approvals == nil {
		color.Yellow("  approvals: disabled, drafts are sent after automated review")
	} else {
		color.White("  approvals: %s via %s", cfg.Workflow.ApprovalStatuses, cfg.Approval.Driver)
	}
	if c.Ledger == nil {
		color.Yellow("  ledger:    disabled")
	}
	if cfg.Metrics.Enabled {
		color.Blue("  metrics:   http://localhost%s/metrics", cfg.Server.Addr)
	}
}
