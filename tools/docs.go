package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/toolproc"
)

// Documentation tool names, as the model sees them. They double as the
// method names on the tool protocol.
const (
	NameResolveLibraryID = "resolve-library-id"
	NameGetLibraryDocs   = "get-library-docs"
)

// Caller is the slice of toolproc.Manager the documentation tools need.
// Narrowing to an interface keeps the tools testable without a subprocess.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// DocsTools returns the documentation toolset backed by the given protocol
// caller.
func DocsTools(c Caller, timeout time.Duration) []Tool {
	return []Tool{
		&ResolveLibraryIDTool{caller: c, timeout: timeout},
		&GetLibraryDocsTool{caller: c, timeout: timeout},
	}
}

// ResolveLibraryIDTool turns a general package name into the documentation
// service's canonical library id.
type ResolveLibraryIDTool struct {
	caller  Caller
	timeout time.Duration
}

func (t *ResolveLibraryIDTool) Name() string { return NameResolveLibraryID }

func (t *ResolveLibraryIDTool) Description() string {
	return "Required first step: resolves a general package name into a library ID " +
		"compatible with the documentation service. Must be called before " +
		"'get-library-docs' to obtain a valid library ID."
}

func (t *ResolveLibraryIDTool) Params() []Param {
	return []Param{
		{Name: "libraryName", Type: "string", Required: true,
			Description: "Library name to search for and resolve into a library ID."},
	}
}

func (t *ResolveLibraryIDTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name, ok := args["libraryName"].(string)
	if !ok || name == "" {
		return "", errors.New("missing or invalid 'libraryName' argument")
	}
	res, err := t.caller.Call(ctx, NameResolveLibraryID, map[string]any{"libraryName": name}, t.timeout)
	if err != nil {
		return "", err
	}
	var body struct {
		LibraryID string `json:"libraryId"`
	}
	if err := json.Unmarshal(res, &body); err != nil || body.LibraryID == "" {
		return "", errors.New("could not resolve a library ID from response %s", res)
	}
	return fmt.Sprintf("Library ID for '%s' is: %s", name, body.LibraryID), nil
}

// GetLibraryDocsTool fetches up-to-date documentation for a resolved library.
type GetLibraryDocsTool struct {
	caller  Caller
	timeout time.Duration
}

func (t *GetLibraryDocsTool) Name() string { return NameGetLibraryDocs }

func (t *GetLibraryDocsTool) Description() string {
	return "Fetches up-to-date documentation for a library. You must call " +
		"'resolve-library-id' first to obtain the exact library ID required by this tool."
}

func (t *GetLibraryDocsTool) Params() []Param {
	return []Param{
		{Name: "context7CompatibleLibraryID", Type: "string", Required: true,
			Description: "Exact library ID (e.g. 'mongodb/docs', 'vercel/nextjs') returned by 'resolve-library-id'."},
		{Name: "tokens", Type: "number",
			Description: "Maximum number of tokens of documentation to retrieve (default: 5000)."},
		{Name: "topic", Type: "string",
			Description: "Topic to focus documentation on (e.g. 'hooks', 'routing')."},
	}
}

func (t *GetLibraryDocsTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, ok := args["context7CompatibleLibraryID"].(string)
	if !ok || id == "" {
		return "", errors.New("missing or invalid 'context7CompatibleLibraryID' argument")
	}
	params := map[string]any{"context7CompatibleLibraryID": id}
	if tokens, ok := args["tokens"].(float64); ok && tokens > 0 {
		params["tokens"] = tokens
	}
	if topic, ok := args["topic"].(string); ok && topic != "" {
		params["topic"] = topic
	}
	res, err := t.caller.Call(ctx, NameGetLibraryDocs, params, t.timeout)
	if err != nil {
		return "", err
	}
	var body struct {
		Documentation string `json:"documentation"`
	}
	if err := json.Unmarshal(res, &body); err != nil || body.Documentation == "" {
		return "", errors.New("could not extract documentation from response for '%s'", id)
	}
	return fmt.Sprintf("Based on the documentation for '%s':\n\n%s", id, body.Documentation), nil
}

var _ Caller = (*toolproc.Manager)(nil)
