package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/odprt-iep/hybridrag/internal/assistant"
	"github.com/odprt-iep/hybridrag/internal/ingest"
)

// QueryInput defines the input schema for the query tool.
type QueryInput struct {
	Query           string `json:"query" jsonschema:"the user's question"`
	UploadedContent string `json:"uploaded_content,omitempty" jsonschema:"text extracted from a file the user attached"`
	ChatHistory     string `json:"chat_history,omitempty" jsonschema:"earlier turns of the conversation, oldest first"`
}

// QueryOutput defines the output schema for the query tool.
type QueryOutput struct {
	Answer         string   `json:"answer" jsonschema:"the reply to show the user"`
	Classification string   `json:"classification" jsonschema:"related, vague or unrelated"`
	Sources        []string `json:"sources" jsonschema:"doc sources the answer drew on, in rank order"`
	RequestID      string   `json:"request_id" jsonschema:"identifier for log correlation"`
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query to execute"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Context string   `json:"context" jsonschema:"retrieved items joined for prompting; empty when nothing matched"`
	Items   []string `json:"items" jsonschema:"retrieved items in fused rank order"`
}

// IngestInput defines the input schema for the ingest tool.
type IngestInput struct {
	Texts     []string `json:"texts" jsonschema:"text chunks to store, one record each"`
	DocSource string   `json:"doc_source,omitempty" jsonschema:"where the chunks came from; defaults to NA"`
	DocType   string   `json:"doc_type,omitempty" jsonschema:"free-text document type"`
	Replace   bool     `json:"replace,omitempty" jsonschema:"delete existing records with this doc_source first"`
}

// IngestOutput defines the output schema for the ingest tool.
type IngestOutput struct {
	Batches  int `json:"batches" jsonschema:"insert batches written"`
	Inserted int `json:"inserted" jsonschema:"records stored"`
	Deleted  int `json:"deleted" jsonschema:"records removed by replace"`
}

// EscalateInput defines the input schema for the escalate tool.
type EscalateInput struct {
	ChatHistory string `json:"chat_history" jsonschema:"the conversation to summarise for the IEP team"`
}

// EscalateOutput defines the output schema for the escalate tool.
type EscalateOutput struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients" jsonschema:"suggested addresses; may be empty"`
}

// CollectionStatusInput defines the (empty) input schema for collection_status.
type CollectionStatusInput struct{}

// CollectionStatusOutput defines the output schema for collection_status.
type CollectionStatusOutput struct {
	Name       string `json:"name"`
	Records    int    `json:"records"`
	Dimensions int    `json:"dimensions"`
	GraphNodes int    `json:"graph_nodes" jsonschema:"nodes in the dense graph, including deleted ones"`
	Orphans    int    `json:"orphans" jsonschema:"deleted nodes awaiting compaction"`
	Terms      int    `json:"terms" jsonschema:"distinct sparse terms"`
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        "query",
		Description: "Answer a question about IEP services. Out-of-scope questions are declined and ambiguous ones get a clarifying question instead of an answer.",
	},
	{
		Name:        "search",
		Description: "Retrieve the stored passages most relevant to a query using hybrid dense and keyword search. Returns raw context without generating an answer.",
	},
	{
		Name:        "ingest",
		Description: "Store text chunks as searchable records. Set replace to swap out everything previously ingested from the same doc_source.",
	},
	{
		Name:        "escalate",
		Description: "Draft an email to the IEP team summarising the conversation, for when the assistant could not resolve the request.",
	},
	{
		Name:        "collection_status",
		Description: "Report the size and index health of the knowledge collection.",
	},
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpQueryHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpSearchHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[2].Name, Description: tools[2].Description}, s.mcpIngestHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[3].Name, Description: tools[3].Description}, s.mcpEscalateHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[4].Name, Description: tools[4].Description}, s.mcpCollectionStatusHandler)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with JSON-style arguments. It runs the
// same handlers as the MCP transport and returns errors already mapped to
// MCP codes.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	var (
		out any
		err error
	)
	switch name {
	case "query":
		out, err = dispatch(ctx, args, s.handleQuery)
	case "search":
		out, err = dispatch(ctx, args, s.handleSearch)
	case "ingest":
		out, err = dispatch(ctx, args, s.handleIngest)
	case "escalate":
		out, err = dispatch(ctx, args, s.handleEscalate)
	case "collection_status":
		out, err = dispatch(ctx, args, s.handleCollectionStatus)
	default:
		return nil, NewMethodNotFoundError(name)
	}
	if err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

func dispatch[In, Out any](ctx context.Context, args map[string]any, h func(context.Context, In) (Out, error)) (any, error) {
	var in In
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, NewInvalidParamsError("arguments are not valid JSON")
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, NewInvalidParamsError("arguments do not match the tool schema: " + err.Error())
		}
	}
	return h(ctx, in)
}

func (s *Server) handleQuery(ctx context.Context, in QueryInput) (QueryOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return QueryOutput{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}

	ans, err := s.assistant.Query(ctx, assistant.QueryRequest{
		Query:           in.Query,
		UploadedContent: in.UploadedContent,
		ChatHistory:     in.ChatHistory,
	})
	if err != nil {
		s.logger.Warn("mcp_query_failed", slog.String("error", err.Error()))
		return QueryOutput{}, err
	}

	out := QueryOutput{
		Answer:         ans.Text,
		Classification: string(ans.Classification),
		Sources:        ans.Sources,
		RequestID:      ans.RequestID,
	}
	if out.Sources == nil {
		out.Sources = []string{}
	}
	return out, nil
}

func (s *Server) handleSearch(ctx context.Context, in SearchInput) (SearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return SearchOutput{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}

	start := time.Now()
	res, err := s.searcher.Search(ctx, in.Query)
	if err != nil {
		return SearchOutput{}, err
	}

	out := SearchOutput{Context: res.Context, Items: res.Items}
	if out.Items == nil {
		out.Items = []string{}
	}
	s.logger.Info("mcp_search",
		slog.Int("items", len(out.Items)),
		slog.Duration("latency", time.Since(start)))
	return out, nil
}

func (s *Server) handleIngest(ctx context.Context, in IngestInput) (IngestOutput, error) {
	if len(in.Texts) == 0 {
		return IngestOutput{}, NewInvalidParamsError("texts must contain at least one chunk")
	}

	var opts []ingest.IngestOption
	if in.Replace {
		opts = append(opts, ingest.WithReplace())
	}

	s.ingestMu.Lock()
	rep, err := s.ingester.IngestTexts(ctx, in.Texts, in.DocSource, in.DocType, opts...)
	s.ingestMu.Unlock()
	if err != nil {
		return IngestOutput{}, err
	}
	return IngestOutput{Batches: rep.Batches, Inserted: rep.Inserted, Deleted: rep.Deleted}, nil
}

func (s *Server) handleEscalate(ctx context.Context, in EscalateInput) (EscalateOutput, error) {
	draft, err := s.assistant.GenerateEmail(ctx, in.ChatHistory)
	if err != nil {
		return EscalateOutput{}, err
	}
	out := EscalateOutput{Subject: draft.Subject, Body: draft.Body, Recipients: draft.Recipients}
	if out.Recipients == nil {
		out.Recipients = []string{}
	}
	return out, nil
}

func (s *Server) handleCollectionStatus(_ context.Context, _ CollectionStatusInput) (CollectionStatusOutput, error) {
	st := s.collection.Stats()
	return CollectionStatusOutput{
		Name:       st.Name,
		Records:    st.Records,
		Dimensions: st.Dimensions,
		GraphNodes: st.GraphNodes,
		Orphans:    st.Orphans,
		Terms:      st.Terms,
	}, nil
}

// MCP SDK adapters. Each maps errors to MCP codes before returning them to
// the transport.

func (s *Server) mcpQueryHandler(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
	out, err := s.handleQuery(ctx, in)
	if err != nil {
		return nil, QueryOutput{}, MapError(err)
	}
	return nil, out, nil
}

func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	out, err := s.handleSearch(ctx, in)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}
	return nil, out, nil
}

func (s *Server) mcpIngestHandler(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (*mcp.CallToolResult, IngestOutput, error) {
	out, err := s.handleIngest(ctx, in)
	if err != nil {
		return nil, IngestOutput{}, MapError(err)
	}
	return nil, out, nil
}

func (s *Server) mcpEscalateHandler(ctx context.Context, _ *mcp.CallToolRequest, in EscalateInput) (*mcp.CallToolResult, EscalateOutput, error) {
	out, err := s.handleEscalate(ctx, in)
	if err != nil {
		return nil, EscalateOutput{}, MapError(err)
	}
	return nil, out, nil
}

func (s *Server) mcpCollectionStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, in CollectionStatusInput) (*mcp.CallToolResult, CollectionStatusOutput, error) {
	out, err := s.handleCollectionStatus(ctx, in)
	if err != nil {
		return nil, CollectionStatusOutput{}, MapError(err)
	}
	return nil, out, nil
}
