// Package mcpserver is the "outer process" spec.md treats as an external
// collaborator: an MCP tool surface fronting a running package watcher,
// plus an HTTP+SSE transport for long-lived subscriptions. It never
// mutates the watcher's state; every tool is a read or a bounded drain of
// its event stream.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkgwatch/internal/discovery"
	"pkgwatch/internal/packagewatcher"
	"pkgwatch/internal/updatingmap"
)

// workspaceData names the value type the watcher's Updating Map carries,
// so the receiver type signature below doesn't need to spell it out.
type workspaceData = discovery.WorkspaceData

var toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func newTool(name, description string) *sdkmcp.Tool {
	if !toolNameRegex.MatchString(name) {
		panic(fmt.Errorf("invalid tool name: %s (must match ^[a-zA-Z0-9_-]+$)", name))
	}
	return &sdkmcp.Tool{Name: name, Description: description}
}

// WorkspaceInfo mirrors discovery.WorkspaceData for the wire: TurboJSON is
// "" when the workspace has no turbo.json.
type WorkspaceInfo struct {
	PackageJSON string `json:"packageJson"`
	TurboJSON   string `json:"turboJson,omitempty"`
}

type GetWorkspacesRequest struct{}
type GetWorkspacesResponse struct {
	Workspaces []WorkspaceInfo `json:"workspaces"`
}

type GetPackageManagerRequest struct{}
type GetPackageManagerResponse struct {
	Manager   string `json:"manager,omitempty"`
	Available bool   `json:"available"`
}

type SubscribeRequest struct {
	// TimeoutMs bounds how long to wait collecting events before
	// returning; 0 uses the default. MCP tool calls are request/response,
	// so this is a bounded drain of the map's broadcast, not an
	// open-ended stream — use the SSE endpoint for that.
	TimeoutMs int `json:"timeoutMs,omitempty"`
	// MaxEvents caps how many events one call returns; 0 uses the
	// default.
	MaxEvents int `json:"maxEvents,omitempty"`
}

type WorkspaceEvent struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	PackageJSON string `json:"packageJson,omitempty"`
	TurboJSON   string `json:"turboJson,omitempty"`
}

type SubscribeResponse struct {
	Events []WorkspaceEvent `json:"events"`
	// TimedOut is true when the timeout window elapsed before MaxEvents
	// was reached.
	TimedOut bool `json:"timedOut"`
	// Lagged is true when the subscription missed events because the
	// caller fell behind; the returned Events are a prefix of what was
	// seen before the drop, not the full picture. Callers should treat
	// this as a cue to re-fetch watcher_get_workspaces rather than trust
	// the map is still fully represented by this stream of events.
	Lagged bool `json:"lagged"`
	// Closed is true when the watcher shut down mid-drain; no further
	// events will ever arrive on this subscription.
	Closed bool `json:"closed"`
}

const (
	defaultSubscribeTimeout = 5 * time.Second
	defaultSubscribeMax     = 64
)

// buildServer constructs the MCP SDK server and registers the watcher's
// read-only tool surface.
func buildServer(w *packagewatcher.Watcher) *sdkmcp.Server {
	impl := &sdkmcp.Implementation{
		Name:    "pkgwatchd",
		Version: "0.1.0",
	}
	server := sdkmcp.NewServer(impl, nil)

	sdkmcp.AddTool[GetWorkspacesRequest, GetWorkspacesResponse](
		server,
		newTool("watcher_get_workspaces", "Await availability and return the current set of monorepo workspaces"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, _ GetWorkspacesRequest) (*sdkmcp.CallToolResult, GetWorkspacesResponse, error) {
			workspaces, err := w.GetWorkspaces(ctx)
			if err != nil {
				return nil, GetWorkspacesResponse{}, fmt.Errorf("UNAVAILABLE: %w", err)
			}
			return nil, GetWorkspacesResponse{Workspaces: toWorkspaceInfos(workspaces)}, nil
		},
	)

	sdkmcp.AddTool[GetPackageManagerRequest, GetPackageManagerResponse](
		server,
		newTool("watcher_get_package_manager", "Non-blocking read of the currently inferred package manager"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, _ GetPackageManagerRequest) (*sdkmcp.CallToolResult, GetPackageManagerResponse, error) {
			manager, ok := w.GetPackageManager()
			if !ok {
				return nil, GetPackageManagerResponse{Available: false}, nil
			}
			return nil, GetPackageManagerResponse{Manager: string(manager), Available: true}, nil
		},
	)

	sdkmcp.AddTool[SubscribeRequest, SubscribeResponse](
		server,
		newTool("watcher_subscribe", "Await availability, then drain workspace change events for a bounded window"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, in SubscribeRequest) (*sdkmcp.CallToolResult, SubscribeResponse, error) {
			timeout := defaultSubscribeTimeout
			if in.TimeoutMs > 0 {
				timeout = time.Duration(in.TimeoutMs) * time.Millisecond
			}
			max := defaultSubscribeMax
			if in.MaxEvents > 0 {
				max = in.MaxEvents
			}

			sub, err := w.Subscribe(ctx)
			if err != nil {
				return nil, SubscribeResponse{}, fmt.Errorf("UNAVAILABLE: %w", err)
			}
			defer sub.Close()

			out, status := drainEvents(ctx, sub, timeout, max)
			return nil, SubscribeResponse{
				Events:   out,
				TimedOut: status == drainTimedOut,
				Lagged:   status == drainLagged,
				Closed:   status == drainClosed,
			}, nil
		},
	)

	return server
}

// drainStatus distinguishes why drainEvents stopped collecting short of
// max, so a caller can tell "the window elapsed" from "you missed events"
// from "the watcher is gone" instead of treating every non-deadline exit
// as a timeout.
type drainStatus int

const (
	drainMaxReached drainStatus = iota
	drainTimedOut
	drainLagged
	drainClosed
)

func drainEvents(ctx context.Context, sub *updatingmap.Receiver[string, workspaceData], timeout time.Duration, max int) ([]WorkspaceEvent, drainStatus) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []WorkspaceEvent
	for len(out) < max {
		ev, err := sub.Recv(deadline)
		if err != nil {
			var lagged *updatingmap.LaggedError
			switch {
			case errors.As(err, &lagged):
				return out, drainLagged
			case errors.Is(err, updatingmap.ErrClosed):
				return out, drainClosed
			default:
				return out, drainTimedOut
			}
		}
		out = append(out, toWorkspaceEvent(ev))
	}
	return out, drainMaxReached
}

func toWorkspaceInfos(workspaces []workspaceData) []WorkspaceInfo {
	out := make([]WorkspaceInfo, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, WorkspaceInfo{PackageJSON: ws.PackageJSON, TurboJSON: ws.TurboJSON})
	}
	return out
}

func toWorkspaceEvent(ev updatingmap.Event[string, workspaceData]) WorkspaceEvent {
	out := WorkspaceEvent{Key: ev.Key, Kind: ev.Kind.String()}
	switch ev.Kind {
	case updatingmap.Remove:
		out.PackageJSON = ev.Old.PackageJSON
		out.TurboJSON = ev.Old.TurboJSON
	default:
		out.PackageJSON = ev.New.PackageJSON
		out.TurboJSON = ev.New.TurboJSON
	}
	return out
}

// RunStdio starts the MCP SDK server over stdio until the client
// disconnects or the process is signalled.
func RunStdio(w *packagewatcher.Watcher) {
	server := buildServer(w)
	if err := server.Run(context.Background(), &sdkmcp.StdioTransport{}); err != nil && err != io.EOF {
		slog.Error("MCP stdio server exited with error", "error", err)
	}
}
