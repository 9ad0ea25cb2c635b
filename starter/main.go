package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/aswathylr-builds/secure-delivery/api"
	"github.com/aswathylr-builds/secure-delivery/bootstrap"
	"github.com/aswathylr-builds/secure-delivery/config"
	"github.com/aswathylr-builds/secure-delivery/ledger"
	"github.com/aswathylr-builds/secure-delivery/logging"
	"github.com/aswathylr-builds/secure-delivery/models"
	"github.com/aswathylr-builds/secure-delivery/workflows"
)

const sweepScheduleID = "token-sweep"

func main() {
	configPath := flag.String("config", os.Getenv("SD_CONFIG"), "Path to YAML config file")
	action := flag.String("action", "confirm", "Action to perform: confirm, query, sweep, schedule-sweep, token")
	orderRef := flag.String("order-ref", "", "Provider order reference")
	paymentRef := flag.String("payment-ref", "", "Provider payment reference")
	signature := flag.String("signature", "", "Gateway signature; signed with the configured secret when empty")
	workflowID := flag.String("workflow-id", "", "Workflow ID for query operations")
	subject := flag.String("subject", "", "Subject of the development JWT")
	role := flag.String("role", api.RoleUser, "Role of the development JWT")
	ttl := flag.Duration("ttl", time.Hour, "Lifetime of the development JWT")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(logging.New("secure-delivery-starter", "info", "text"), "invalid configuration", err)
	}
	logger := logging.New(cfg.ServiceName+"-starter", cfg.LogLevel, "text")

	if *action == "token" {
		mintToken(logger, cfg, *subject, *role, *ttl)
		return
	}

	c, err := bootstrap.DialTemporal(cfg, logger)
	if err != nil {
		fatal(logger, "unable to create Temporal client", err)
	}
	defer c.Close()

	ctx := context.Background()

	switch *action {
	case "confirm":
		startFulfillment(ctx, logger, c, cfg, *orderRef, *paymentRef, *signature)
	case "query":
		id := *workflowID
		if id == "" && *orderRef != "" {
			id = workflows.FulfillmentWorkflowID(*orderRef)
		}
		queryFulfillment(ctx, logger, c, id)
	case "sweep":
		runSweep(ctx, logger, c, cfg)
	case "schedule-sweep":
		scheduleSweep(ctx, logger, c, cfg)
	default:
		fatal(logger, "unknown action", fmt.Errorf("%q", *action))
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func startFulfillment(ctx context.Context, logger *slog.Logger, c client.Client, cfg config.Config, orderRef, paymentRef, signature string) {
	if orderRef == "" || paymentRef == "" {
		fatal(logger, "order-ref and payment-ref are required", fmt.Errorf("missing flags"))
	}
	if signature == "" {
		signature = ledger.Sign([]byte(cfg.SigningSecret), orderRef, paymentRef)
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:                       workflows.FulfillmentWorkflowID(orderRef),
		TaskQueue:                cfg.TaskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	we, err := c.ExecuteWorkflow(ctx, workflowOptions, workflows.FulfillmentWorkflow, models.PaymentCallback{
		ProviderOrderRef:   orderRef,
		ProviderPaymentRef: paymentRef,
		Signature:          signature,
	})
	if err != nil {
		fatal(logger, "unable to execute workflow", err)
	}

	logger.Info("fulfillment started",
		"workflow_id", we.GetID(),
		"run_id", we.GetRunID(),
		"provider_order_id", orderRef,
	)
	fmt.Printf("To query the fulfillment status, run:\n  go run ./starter -action=query -workflow-id=%s\n", we.GetID())
}

func queryFulfillment(ctx context.Context, logger *slog.Logger, c client.Client, workflowID string) {
	if workflowID == "" {
		fatal(logger, "workflow-id or order-ref is required for query operations", fmt.Errorf("missing flags"))
	}

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	response, err := c.QueryWorkflow(queryCtx, workflowID, "", workflows.StatusQuery)
	if err != nil {
		fatal(logger, "unable to query workflow", err)
	}

	var status models.FulfillmentStatus
	if err := response.Get(&status); err != nil {
		fatal(logger, "unable to decode query result", err)
	}
	printJSON(status)
}

func runSweep(ctx context.Context, logger *slog.Logger, c client.Client, cfg config.Config) {
	we, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("token-sweep-manual-%d", time.Now().Unix()),
		TaskQueue: cfg.TaskQueue,
	}, workflows.SweepWorkflow, cfg.SweepRetention)
	if err != nil {
		fatal(logger, "unable to execute workflow", err)
	}

	var removed int64
	if err := we.Get(ctx, &removed); err != nil {
		fatal(logger, "sweep failed", err)
	}
	logger.Info("expired tokens swept", "removed", removed, "retention", cfg.SweepRetention.String())
}

func scheduleSweep(ctx context.Context, logger *slog.Logger, c client.Client, cfg config.Config) {
	we, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           sweepScheduleID,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: cfg.SweepCron,
	}, workflows.SweepWorkflow, cfg.SweepRetention)
	if err != nil {
		fatal(logger, "unable to schedule sweep", err)
	}
	logger.Info("sweep scheduled", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "cron", cfg.SweepCron)
}

// mintToken prints a bearer token for local testing of the HTTP API
func mintToken(logger *slog.Logger, cfg config.Config, subject, role string, ttl time.Duration) {
	if subject == "" {
		fatal(logger, "subject is required for token minting", fmt.Errorf("missing flags"))
	}
	if err := cfg.RequireJWT(); err != nil {
		fatal(logger, "cannot mint token", err)
	}
	auth, err := api.NewAuthenticator([]byte(cfg.JWTSecret))
	if err != nil {
		fatal(logger, "cannot mint token", err)
	}
	token, err := auth.Sign(subject, role, ttl)
	if err != nil {
		fatal(logger, "cannot mint token", err)
	}
	fmt.Println(token)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
