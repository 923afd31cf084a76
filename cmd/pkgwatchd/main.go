// Command pkgwatchd runs the package watcher as a standalone MCP server,
// fronting a single repository over stdio or HTTP.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"

	"pkgwatch/internal/discovery"
	"pkgwatch/internal/fsfeed"
	"pkgwatch/internal/mcpserver"
	"pkgwatch/internal/packagewatcher"
)

// Config holds the application configuration.
type Config struct {
	RepoRoot   string
	Transport  string
	Port       int
	LogFormat  string
	LogLevel   slog.Level
	AuthTokens string
}

func main() {
	cfg := &Config{}
	flag.StringVar(&cfg.RepoRoot, "repo-root", os.Getenv("REPO_ROOT"), "Repository root to watch; auto-detected from the working directory's git checkout if unset (env: REPO_ROOT)")
	flag.StringVar(&cfg.Transport, "transport", envOrDefault("MCP_TRANSPORT", "stdio"), "Transport to use: 'stdio' or 'http' (env: MCP_TRANSPORT)")
	flag.IntVar(&cfg.Port, "port", envIntOrDefault("PORT", 8080), "Port for HTTP transport (env: PORT)")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: 'text' or 'json'")
	flag.String("log-level", "info", "Log level: 'debug', 'info', 'warn', 'error'")
	flag.StringVar(&cfg.AuthTokens, "auth-tokens", os.Getenv("AUTH_TOKENS"), "Comma-separated bearer tokens accepted by the HTTP transport; empty disables auth (env: AUTH_TOKENS)")
	flag.Parse()

	if cfg.RepoRoot == "" {
		root, err := detectRepoRoot(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: --repo-root not set and auto-detection failed: %v\n", err)
			flag.Usage()
			os.Exit(1)
		}
		cfg.RepoRoot = root
	}

	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	setupLogger(cfg)

	slog.Info("starting package watcher",
		"version", "0.1.0",
		"transport", cfg.Transport,
		"repo-root", cfg.RepoRoot,
	)

	feed, err := fsfeed.New(cfg.RepoRoot)
	if err != nil {
		slog.Error("failed to start filesystem feed", "error", err)
		os.Exit(1)
	}
	defer feed.Close()

	backend := &discovery.FSDiscovery{RepoRoot: cfg.RepoRoot}
	watcher := packagewatcher.Start(cfg.RepoRoot, packagewatcher.FSFeed{Feed: feed}, backend)
	defer watcher.Close()

	if cfg.Transport == "http" {
		mcpserver.RunHTTP("", cfg.Port, watcher, parseTokens(cfg.AuthTokens))
	} else {
		mcpserver.RunStdio(watcher)
	}
}

// detectRepoRoot walks up from the working directory looking for a .git
// directory, the way a tool invoked from anywhere inside a checkout is
// expected to find its repository root.
func detectRepoRoot(_ string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(cwd, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("no git repository found above %s: %w", cwd, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("repository at %s has no worktree: %w", cwd, err)
	}
	return wt.Filesystem.Root(), nil
}

func validateConfig(cfg *Config) error {
	if cfg.RepoRoot == "" {
		return fmt.Errorf("--repo-root is required")
	}
	if info, err := os.Stat(cfg.RepoRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("--repo-root %q is not a directory", cfg.RepoRoot)
	}
	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return fmt.Errorf("--transport must be 'stdio' or 'http'")
	}
	return nil
}

func setupLogger(cfg *Config) {
	logLevelFlag := flag.Lookup("log-level").Value.String()
	logLevelMap := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	level, exists := logLevelMap[strings.ToLower(logLevelFlag)]
	if !exists {
		level = slog.LevelInfo
	}
	cfg.LogLevel = level

	var logHandler slog.Handler
	if cfg.LogFormat == "json" {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	}
	slog.SetDefault(slog.New(logHandler))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func parseTokens(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
