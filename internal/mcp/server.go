package mcp

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/daemon"
	md "github.com/jcdickinson/implindex/internal/markdown"
	"github.com/jcdickinson/implindex/internal/rpc"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

//go:embed instructions.md
var instructions string

const uriScheme = "implindex://"

// backend is the subset of the daemon client the MCP tools use.
type backend interface {
	Load(ctx context.Context, sources []rpc.SourceSpec, onProgress func(string)) ([]rpc.LoadResult, error)
	Implementors(ctx context.Context, trait string) (*rpc.ImplementorsResponse, error)
	Search(ctx context.Context, req rpc.SearchRequest) (*rpc.SearchResponse, error)
	Traits(ctx context.Context) (*rpc.TraitsResponse, error)
}

type Server struct {
	mcpServer *server.MCPServer
	client    backend
}

func NewServer(socketPath string) (*Server, error) {
	client, err := daemon.ConnectOrSpawn(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return newServer(client), nil
}

func newServer(client backend) *Server {
	s := &Server{client: client}

	mcpServer := server.NewMCPServer(
		"implindex",
		"0.1.0",
		server.WithInstructions(instructions),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.mcpServer = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("load_fragments",
			mcp.WithDescription("Load rustdoc trait implementor fragments into the index. Synchronous; returns per-source counts of delivered and omitted fragments. Sources are \"kind:target\" strings; the kind is inferred when omitted."),
			mcp.WithArray("sources",
				mcp.Description("Sources such as \"target/doc\", \"docsrs:axfs@0.1.0\" or a docs.rs trait page URL. Omit to load the configured sources."),
				mcp.Items(map[string]interface{}{"type": "string"}),
			),
		),
		s.handleLoad,
	)

	mcpServer.AddTool(
		mcp.NewTool("get_implementors",
			mcp.WithDescription("List the types implementing a trait, grouped by crate, as markdown."),
			mcp.WithString("trait",
				mcp.Description("Trait path (\"axio::Read\") or an unambiguous bare name (\"Read\")"),
				mcp.Required(),
			),
		),
		s.handleGetImplementors,
	)

	mcpServer.AddTool(
		mcp.NewTool("search_implementors",
			mcp.WithDescription("Case-insensitive substring search over trait paths, crate names and implementor text. Returns matches with implindex:// URIs that can be read as resources."),
			mcp.WithString("query",
				mcp.Description("Text to look for, e.g. a type name"),
				mcp.Required(),
			),
			mcp.WithArray("crates",
				mcp.Description("Optional list of crates to restrict results to"),
				mcp.Items(map[string]interface{}{"type": "string"}),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results (default 20)"),
			),
		),
		s.handleSearch,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_traits",
			mcp.WithDescription("List every indexed trait with its crate and implementor counts."),
		),
		s.handleListTraits,
	)
}

func (s *Server) registerResources(mcpServer *server.MCPServer) {
	mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			uriScheme+"{trait}",
			"Trait implementors",
			mcp.WithTemplateDescription("Implementors of a trait, grouped by crate. Search results return these URIs."),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleReadResource,
	)
}

func (s *Server) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var raw []string
	if sourcesRaw, ok := args["sources"]; ok {
		sourcesJSON, err := json.Marshal(sourcesRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid sources parameter: %v", err)), nil
		}
		if err := json.Unmarshal(sourcesJSON, &raw); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid sources format: %v", err)), nil
		}
	}

	specs := make([]rpc.SourceSpec, 0, len(raw))
	for _, r := range raw {
		src, err := config.ParseSource(r)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		specs = append(specs, rpc.SourceSpec{Kind: src.Kind, Target: src.Target, Trait: src.Trait})
	}

	results, err := s.client.Load(ctx, specs, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load fragments: %v", err)), nil
	}

	resultJSON, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (s *Server) handleGetImplementors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	trait, _ := args["trait"].(string)
	if trait == "" {
		return mcp.NewToolResultError("missing required parameter: trait"), nil
	}

	page, err := s.page(ctx, trait)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(page), nil
}

func (s *Server) page(ctx context.Context, trait string) (string, error) {
	resp, err := s.client.Implementors(ctx, trait)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", trait, err)
	}
	fields := map[string]string{
		"trait":        resp.Trait,
		"crates":       strconv.Itoa(len(resp.Implementors)),
		"implementors": strconv.Itoa(resp.Implementors.Len()),
	}
	if resp.DocRoot != "" {
		fields["doc_root"] = resp.DocRoot
	}
	return md.AddFrontMatter(md.Page(resp.Trait, resp.Implementors, resp.DocRoot), fields), nil
}

type searchHit struct {
	URI       string  `json:"uri"`
	Trait     string  `json:"trait"`
	Crate     string  `json:"crate"`
	Text      string  `json:"text"`
	Synthetic bool    `json:"synthetic,omitempty"`
	Score     float32 `json:"score"`
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	query, _ := args["query"].(string)
	if query == "" {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}

	var searchReq rpc.SearchRequest
	searchReq.Query = query
	if cratesRaw, ok := args["crates"]; ok {
		cratesJSON, _ := json.Marshal(cratesRaw)
		json.Unmarshal(cratesJSON, &searchReq.Crates)
	}
	if limit, ok := args["limit"].(float64); ok {
		searchReq.Limit = int(limit)
	}

	resp, err := s.client.Search(ctx, searchReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	hits := make([]searchHit, len(resp.Results))
	for i, h := range resp.Results {
		hits[i] = searchHit{
			URI:       TraitURI(h.Trait),
			Trait:     h.Trait,
			Crate:     h.Crate,
			Text:      h.Text,
			Synthetic: h.Synthetic,
			Score:     h.Score,
		}
	}
	resultJSON, _ := json.MarshalIndent(hits, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (s *Server) handleListTraits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.client.Traits(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing traits failed: %v", err)), nil
	}
	resultJSON, _ := json.MarshalIndent(resp.Traits, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (s *Server) handleReadResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	trait, err := url.PathUnescape(strings.TrimPrefix(uri, uriScheme))
	if err != nil || trait == "" || !strings.HasPrefix(uri, uriScheme) {
		return nil, fmt.Errorf("invalid resource URI: %s", uri)
	}

	page, err := s.page(ctx, trait)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     page,
		},
	}, nil
}

// TraitURI returns the resource URI for a trait path.
func TraitURI(trait string) string {
	return uriScheme + trait
}

func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) Shutdown(_ context.Context) error {
	return nil
}
