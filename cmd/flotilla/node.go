package main

import (
	"context"
	"os"
	"runtime"

	"github.com/basket/flotilla/internal/config"
	"github.com/basket/flotilla/internal/jobstore"
	"github.com/basket/flotilla/internal/node"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/scheduler"
	"github.com/basket/flotilla/internal/telemetry"
)

// agentSubmitter defers to the agent, which is constructed after the
// scheduler that needs it.
type agentSubmitter struct{ agent **node.Agent }

func (s agentSubmitter) SubmitJob(ctx context.Context, job protocol.Job) (string, error) {
	return (*s.agent).SubmitJob(ctx, job)
}

func (s agentSubmitter) TaskLive(ctx context.Context, taskID string) (bool, error) {
	return (*s.agent).TaskLive(ctx, taskID)
}

func runNode(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	homeDir := config.HomeDir()

	logger, logCloser, err := telemetry.NewLogger(homeDir, "node", cfg.Log.Level, cfg.Log.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()

	nodeID, err := node.EnsureNodeID(homeDir, cfg.Node.NodeID)
	if err != nil {
		fatalStartup(logger, "E_NODE_ID", err)
	}
	nodeName := cfg.Node.NodeName
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	logger.Info("starting node agent", "version", Version,
		"node_id", nodeID, "hub_url", cfg.Node.HubURL)

	jobs, err := jobstore.New(cfg.Node.JobsDir, logger)
	if err != nil {
		fatalStartup(logger, "E_JOBS_DIR", err)
	}

	var agent *node.Agent
	controller := node.NewController(node.ControllerConfig{
		HubURL:            cfg.Node.HubURL,
		Token:             cfg.Node.AuthToken,
		NodeID:            nodeID,
		Name:              nodeName,
		Platform:          runtime.GOOS + "/" + runtime.GOARCH,
		Version:           Version,
		Capabilities:      cfg.Node.Capabilities,
		HeartbeatInterval: cfg.Node.HeartbeatInterval(),
		ReconnectInterval: cfg.Node.ReconnectInterval(),
		Snapshot:          func() protocol.HeartbeatParams { return agent.Snapshot() },
		Logger:            logger,
	})

	sched := scheduler.New(scheduler.Config{
		Source:    nodeID,
		Submitter: agentSubmitter{agent: &agent},
		Logger:    logger,
	})

	agent = node.NewAgent(node.AgentConfig{
		Controller: controller,
		Executor:   node.NewScriptExecutor(cfg.Node.Executor.Command, cfg.Node.Executor.Args),
		Jobs:       jobs,
		Scheduler:  sched,
		Logger:     logger,
	})

	sched.Start(ctx)
	defer sched.Stop()

	// Local job definitions edited on disk take effect without a restart.
	jobWatcher := jobstore.NewWatcher(cfg.Node.JobsDir, logger)
	if err := jobWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_JOBS_WATCHER_START", err)
	}
	go func() {
		for range jobWatcher.Events() {
			reloaded, err := jobs.Load()
			if err != nil {
				logger.Warn("some local jobs skipped on reload", "error", err)
			}
			sched.Reload(reloaded)
		}
	}()

	go func() { _ = agent.Run(ctx) }()
	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("controller exited", "error", err)
		return 1
	}
	logger.Info("node agent stopped")
	return 0
}
