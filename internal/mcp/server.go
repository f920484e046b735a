// Package mcp exposes the forecasting service as MCP tools.
package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"forecast-mcp/internal/forecast"
)

// Server holds the MCP server and the service its tools call into.
type Server struct {
	svc                 *forecast.Service
	server              *sdk.Server
	enableMermaidCharts bool
}

// Options tune what the tools return.
type Options struct {
	Version string

	// EnableMermaidCharts adds a Mermaid diagram to forecast, scenario, path and dashboard results.
	EnableMermaidCharts bool
}

// NewServer creates a new MCP server with every tool registered.
func NewServer(svc *forecast.Service, opts Options) *Server {
	s := &Server{svc: svc, enableMermaidCharts: opts.EnableMermaidCharts}
	s.server = sdk.NewServer(&sdk.Implementation{Name: "forecast-mcp", Version: opts.Version}, nil)
	s.registerTools()
	return s
}

// Start serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log.Info().Msg("MCP server starting stdio loop")
	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("MCP server stopped")
		return err
	}
	log.Info().Msg("MCP server stopped")
	return nil
}

// Connect attaches the server to an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
