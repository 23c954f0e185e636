// Package server exposes the retrieval engine over the Model Context
// Protocol. Tools are thin shells: argument decoding, rate limiting, and
// deadlines live here, semantics live in the use-case layer.
package server

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/qbench/qbench/engine/testdoc"
	"github.com/qbench/qbench/engine/testdoc/uc"
	"github.com/qbench/qbench/pkg/logger"
	"github.com/qbench/qbench/pkg/version"
)

const serverName = "qbench"

// Config tunes the serving surface.
type Config struct {
	SearchTimeout    time.Duration
	ShutdownGrace    time.Duration
	QueryRatePerMin  int64
	IngestRatePerMin int64
}

func (c *Config) searchTimeout() time.Duration {
	if c.SearchTimeout > 0 {
		return c.SearchTimeout
	}
	return testdoc.DefaultSearchTimeout
}

func (c *Config) shutdownGrace() time.Duration {
	if c.ShutdownGrace > 0 {
		return c.ShutdownGrace
	}
	return testdoc.DefaultShutdownGrace
}

// Deps carries the use cases behind the tool surface.
type Deps struct {
	Search      *uc.Search
	GetByKey    *uc.GetByKey
	FindSimilar *uc.FindSimilar
	Ingest      *uc.Ingest
	Delete      *uc.Delete
	Health      *uc.Health
}

// Server is the MCP server for the test retrieval engine.
type Server struct {
	mcp    *server.MCPServer
	deps   Deps
	cfg    Config
	limits *rateLimits
}

func New(deps Deps, cfg Config) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			serverName,
			version.Get(),
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		deps:   deps,
		cfg:    cfg,
		limits: newRateLimits(cfg.QueryRatePerMin, cfg.IngestRatePerMin),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the stdio transport until the context is
// canceled, then allows in-flight calls the shutdown grace period.
func (s *Server) ServeStdio(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("Starting MCP server", "transport", "stdio", "version", version.Get())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ServeStdio(s.mcp, server.WithStdioContextFunc(func(context.Context) context.Context {
			return logger.ContextWithLogger(context.Background(), log)
		}))
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("Shutting down MCP server", "grace", s.cfg.shutdownGrace())
		select {
		case err := <-errCh:
			return err
		case <-time.After(s.cfg.shutdownGrace()):
			log.Warn("Shutdown grace period elapsed with calls still in flight")
			return nil
		}
	}
}
