package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkgwatch/internal/packagewatcher"
)

// RunHTTP serves the MCP SDK server over the Streamable HTTP transport and
// mounts a plain SSE endpoint at /events for long-lived subscriptions,
// since a tool call's bounded drain (watcher_subscribe) is a poor fit for
// a client that just wants to watch forever.
func RunHTTP(host string, port int, w *packagewatcher.Watcher, authTokens []string) {
	server := buildServer(w)

	streamable := sdkmcp.NewStreamableHTTPHandler(func(r *http.Request) *sdkmcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/events", sseHandler(w, authTokens))

	protected := []struct {
		pattern string
		h       http.Handler
	}{
		{"/mcp", streamable},
		{"/mcp/stream", streamable},
	}
	for _, p := range protected {
		mux.Handle(p.pattern, wrapAuth(p.h, authTokens))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	slog.Info("starting MCP HTTP server", "addr", addr, "auth_enabled", len(authTokens) > 0)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("MCP HTTP server failed", "error", err)
	}
}

// sseHandler streams workspace change events to a single client until it
// disconnects or the watcher shuts down. Each connection mints its own
// correlation ID for log correlation across a long-lived stream.
func sseHandler(w *packagewatcher.Watcher, tokens []string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if len(tokens) > 0 && !isAuthorized(r, tokens) {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="events", error="invalid_token"`)
			http.Error(rw, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		flusher, ok := rw.(http.Flusher)
		if !ok {
			http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		connID := uuid.NewString()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub, err := w.Subscribe(ctx)
		if err != nil {
			http.Error(rw, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
		rw.Header().Set("X-Accel-Buffering", "no")
		rw.WriteHeader(http.StatusOK)
		flusher.Flush()

		slog.Info("SSE client connected", "connId", connID)
		defer slog.Info("SSE client disconnected", "connId", connID)

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		// Driven by a single select over the subscriber's raw channel, the
		// heartbeat ticker, and ctx.Done, so a ping fires during idle
		// periods instead of only after Recv has already returned an
		// error. Lagged() is polled every iteration the same way Recv
		// checks it internally, since reading C() directly bypasses that
		// check.
		for {
			if n := sub.Lagged(); n > 0 {
				if !writeResync(rw, w, ctx, connID, n) {
					return
				}
				flusher.Flush()
				continue
			}

			select {
			case <-heartbeat.C:
				if _, werr := rw.Write([]byte(": ping\n\n")); werr != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				data, err := json.Marshal(toWorkspaceEvent(ev))
				if err != nil {
					slog.Warn("failed to marshal workspace event", "error", err)
					continue
				}
				if _, werr := fmt.Fprintf(rw, "event: workspace.event\ndata: %s\n\n", data); werr != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}

// writeResync re-fetches the full workspace set and writes it as a single
// frame, the recovery path for a subscriber that fell behind: the
// individual events it missed can't be reconstructed, but the current
// state can, so the client resyncs instead of the connection dying on the
// first lag the way a plain disconnect-on-error loop would.
func writeResync(rw http.ResponseWriter, w *packagewatcher.Watcher, ctx context.Context, connID string, dropped int) bool {
	slog.Debug("SSE subscriber lagged, resyncing", "connId", connID, "dropped", dropped)
	workspaces, err := w.GetWorkspaces(ctx)
	if err != nil {
		return false
	}
	data, err := json.Marshal(toWorkspaceInfos(workspaces))
	if err != nil {
		slog.Warn("failed to marshal resync payload", "error", err)
		return true
	}
	_, werr := fmt.Fprintf(rw, "event: workspace.resync\ndata: %s\n\n", data)
	return werr == nil
}

func isAuthorized(r *http.Request, tokens []string) bool {
	authz := r.Header.Get("Authorization")
	var token string
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		token = strings.TrimSpace(authz[len("Bearer "):])
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	got := []byte(token)
	for _, t := range tokens {
		if subtle.ConstantTimeCompare(got, []byte(strings.TrimSpace(t))) == 1 {
			return true
		}
	}
	return false
}

func wrapAuth(next http.Handler, tokens []string) http.Handler {
	if len(tokens) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAuthorized(r, tokens) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp", error="invalid_token"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
