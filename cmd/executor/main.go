// Command executor runs the workflow engine as a long-lived process: it
// consumes submits from its configured agent name's intake stream,
// dispatches agent nodes over the bus, routes responses back into the
// engine, sweeps expired sub-tasks, and serves a small health/test HTTP
// surface. Grounded on the teacher's cmd/workflow-runner/main.go
// (component wiring, errChan-based supervision, signal-driven graceful
// shutdown).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcflow/wfexec/internal/artifact"
	"github.com/arcflow/wfexec/internal/bus"
	"github.com/arcflow/wfexec/internal/config"
	"github.com/arcflow/wfexec/internal/engine"
	"github.com/arcflow/wfexec/internal/history"
	"github.com/arcflow/wfexec/internal/httpapi"
	"github.com/arcflow/wfexec/internal/logging"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/registry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("executor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("executor starting", "agent_name", cfg.Service.AgentName)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Bus.Addr, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("failed to ping bus", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	b := bus.New(rdb, cfg.Bus.Namespace)
	artifacts := artifact.NewRedisStore(rdb)
	agentRegistry := registry.New()

	hist, err := history.New(ctx, cfg.DatabaseURL(), log)
	if err != nil {
		log.Error("history store unavailable, continuing without run history", "error", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	eng := engine.New(b, artifacts, agentRegistry, cfg.Workflow, log, cfg.Service.AgentName, hist)

	httpSrv := httpapi.New(fmt.Sprintf(":%d", cfg.Service.Port), eng, log)

	errCh := make(chan error, 4)

	go func() {
		if err := httpSrv.Start(ctx); err != nil {
			errCh <- fmt.Errorf("http surface: %w", err)
		}
	}()

	go runDiscoverySubscriber(ctx, b, agentRegistry, log)
	go runResponseSubscriber(ctx, b, eng, cfg.Service.AgentName, log)
	go runSubmitConsumer(ctx, b, eng, hist, cfg.Service.AgentName, log, errCh)
	go runTimeoutSweep(ctx, eng, cfg.Workflow.MaxWorkflowExecutionTime, log)
	if hist != nil {
		go runHangingSweep(ctx, hist, cfg.Workflow.MaxWorkflowExecutionTime, log)
	}

	log.Info("executor started", "port", cfg.Service.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("component failed", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}

	time.Sleep(500 * time.Millisecond) // let in-flight goroutines observe ctx.Done
	log.Info("executor shut down")
}

// runDiscoverySubscriber ingests agent-card announcements so the
// registry can resolve node input/output schema precedence (spec §4.4).
func runDiscoverySubscriber(ctx context.Context, b *bus.Bus, reg *registry.Registry, log *logging.Logger) {
	sub := b.Subscribe(ctx, b.DiscoveryTopic())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var card model.AgentCard
			if err := json.Unmarshal([]byte(msg.Payload), &card); err != nil {
				log.Warn("discard malformed agent card", "error", err)
				continue
			}
			reg.Ingest(registry.AgentCard{Name: card.Name, InputSchema: card.InputSchema, OutputSchema: card.OutputSchema, URL: card.URL})
			log.Debug("ingested agent card", "agent_name", card.Name)
		}
	}
}

// runResponseSubscriber routes every response for this executor's
// workflow name back into the engine, keyed by sub_task_id from the
// topic's final segment (spec §4.6).
func runResponseSubscriber(ctx context.Context, b *bus.Bus, eng *engine.Engine, workflowName string, log *logging.Logger) {
	sub := b.Subscribe(ctx, b.ResponsePattern(workflowName))
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var resp engine.InboundResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				log.Warn("discard malformed response", "error", err, "topic", msg.Channel)
				continue
			}
			if resp.ID == "" {
				log.Warn("discard response with empty sub_task_id", "topic", msg.Channel)
				continue
			}
			eng.HandleResponse(ctx, resp.ID, resp)
		}
	}
}

// runSubmitConsumer reads workflow submits from this executor's intake
// stream with an at-least-once consumer group, ack'ing each message once
// the engine has handled it, whether the submit was accepted, rejected,
// or malformed.
func runSubmitConsumer(ctx context.Context, b *bus.Bus, eng *engine.Engine, hist *history.Store, workflowName string, log *logging.Logger, errCh chan<- error) {
	const group = "executor"
	consumer := fmt.Sprintf("executor-%d", os.Getpid())

	if err := b.EnsureGroup(ctx, b.SubmitStream(workflowName), group); err != nil {
		errCh <- fmt.Errorf("ensure submit group: %w", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.ReadSubmits(ctx, workflowName, group, consumer, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("read submits", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["submit"].(string)
				var sub engine.Submit
				if err := json.Unmarshal([]byte(raw), &sub); err != nil {
					log.Warn("discard malformed submit", "error", err, "message_id", msg.ID)
					_ = b.AckSubmit(ctx, workflowName, group, msg.ID)
					continue
				}
				if err := eng.HandleSubmit(ctx, sub); err != nil {
					log.Error("handle submit failed", "error", err, "workflow_name", sub.WorkflowName)
				} else if hist != nil {
					hist.RecordStart(ctx, sub.A2A.LogicalTaskID, sub.WorkflowName)
				}
				if err := b.AckSubmit(ctx, workflowName, group, msg.ID); err != nil {
					log.Error("ack submit", "error", err, "message_id", msg.ID)
				}
			}
		}
	}
}

// runTimeoutSweep periodically expires sub-tasks past their per-node
// deadline and executions past their workflow-level deadline (spec §4.7).
func runTimeoutSweep(ctx context.Context, eng *engine.Engine, maxWorkflowExecutionTime time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.SweepTimeouts(ctx)
			eng.SweepWorkflowTimeouts(ctx)
		}
	}
}

// runHangingSweep periodically logs RUNNING run rows whose last recorded
// activity predates the max execution time, as an operator-facing signal
// independent of this process's own in-memory executions (spec §4.7's
// hanging-workflow query, grounded on the teacher's
// cmd/workflow-runner/supervisor/timeout.go ticker).
func runHangingSweep(ctx context.Context, hist *history.Store, maxWorkflowExecutionTime time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hanging, err := hist.FindHanging(ctx, time.Now().Add(-maxWorkflowExecutionTime), 50)
			if err != nil {
				log.Error("find hanging runs", "error", err)
				continue
			}
			for _, h := range hanging {
				log.Warn("run appears hung", "execution_id", h.ExecutionID, "workflow_name", h.WorkflowName, "last_event_at", h.LastEventAt)
			}
		}
	}
}
