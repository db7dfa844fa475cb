package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MetricsURI is the URI of the telemetry resource.
const MetricsURI = "hybridrag://metrics"

// ResourceContent contains the content of a resource.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

// registerMetricsResource registers the telemetry snapshot resource.
func (s *Server) registerMetricsResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "metrics",
			URI:         MetricsURI,
			Description: "Query telemetry: classification counts, latency buckets, top terms and knowledge gaps",
			MIMEType:    "application/json",
		},
		func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			rc, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: rc.URI, MIMEType: rc.MIMEType, Text: rc.Content}},
			}, nil
		},
	)
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(_ context.Context, uri string) (*ResourceContent, error) {
	if uri != MetricsURI || s.metrics == nil {
		return nil, NewResourceNotFoundError(uri)
	}

	data, err := json.MarshalIndent(s.metrics.Snapshot(), "", "  ")
	if err != nil {
		return nil, MapError(fmt.Errorf("encode metrics: %w", err))
	}
	return &ResourceContent{URI: uri, Content: string(data), MIMEType: "application/json"}, nil
}
