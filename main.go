package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"oidcclient/client"
	"oidcclient/config"
	"oidcclient/protocol"
)

const usage = `usage: %s [flags] <command>

commands:
  discover     print the provider metadata and signing keys
  signin-url   build an authorization request and persist its state
  connect      build an authorization request and check the provider answers it
  sweep        remove stale signin and signout states
`

func main() {
	configPath := flag.String("config", os.Getenv("OIDCCLIENT_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c, closeStore, err := client.FromConfig(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init client: %v", err)
	}
	defer closeStore()

	switch args[0] {
	case "discover":
		err = runDiscover(ctx, c, os.Stdout)
	case "signin-url":
		if cfg.StateStore.Type == config.StoreMemory {
			logger.Warn("state store is in memory; the state will not outlive this process")
		}
		err = runSigninURL(ctx, c, os.Stdout)
	case "connect":
		err = runConnect(ctx, c, logger, nil)
	case "sweep":
		err = runSweep(ctx, c, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func runDiscover(ctx context.Context, c *client.Client, out io.Writer) error {
	md, err := c.Metadata().GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}
	keys, err := c.Metadata().GetSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("get signing keys: %w", err)
	}

	doc := struct {
		MetadataURL string         `json:"metadata_url,omitempty"`
		Metadata    map[string]any `json:"metadata"`
		SigningKeys any            `json:"signing_keys"`
	}{
		MetadataURL: c.Metadata().MetadataURL(),
		Metadata:    md,
		SigningKeys: keys,
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runSigninURL(ctx context.Context, c *client.Client, out io.Writer) error {
	req, err := c.CreateSigninRequest(ctx, protocol.SigninArgs{})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, req.URL())
	return err
}

func runSweep(ctx context.Context, c *client.Client, logger *slog.Logger) error {
	done, err := c.ClearStaleState(ctx)
	if err != nil {
		return err
	}
	select {
	case <-done:
		logger.Info("stale state sweep complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runConnect follows the authorization request until the provider stops
// redirecting and reports whether it answered.
func runConnect(ctx context.Context, c *client.Client, logger *slog.Logger, httpClient *http.Client) error {
	req, err := c.CreateSigninRequest(ctx, protocol.SigninArgs{})
	if err != nil {
		return fmt.Errorf("create signin request: %w", err)
	}
	authURL := req.URL()
	logger.Info("connect.start", "auth_url", authURL)
	defer func() {
		if _, _, err := c.Store().Remove(context.WithoutCancel(ctx), req.State().ID); err != nil {
			logger.Warn("connect: remove state", "error", err)
		}
	}()

	hc := httpClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	originalRedirect := hc.CheckRedirect
	hc.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", r.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(r, via)
		}
		return nil
	}
	defer func() { hc.CheckRedirect = originalRedirect }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return config.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return config.Load(path, logger)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := config.Load(path, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, closeStore, err := client.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Reachability is reported, not enforced.
	logger.Info("validating provider metadata...")
	if _, err := c.Metadata().GetMetadata(ctx); err != nil {
		logger.Error("provider metadata is not accessible", "url", c.Metadata().MetadataURL(), "error", err)
	} else {
		logger.Info("provider metadata is accessible", "url", c.Metadata().MetadataURL())
	}
	logger.Info("configuration validation complete")
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (config.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := config.DefaultConfig()
	cl := &cfg.Client

	cl.Authority = strings.TrimSuffix(askRequired(reader, out, "Provider authority (issuer URL)"), "/")
	cl.ClientID = askRequired(reader, out, "Client ID")
	cl.ClientSecret = ask(reader, out, "Client secret", "")
	cl.ResponseType = ask(reader, out, "Response type", "code")
	cl.Scope = ask(reader, out, "Scope", "openid profile email")
	cl.RedirectURI = ask(reader, out, "Redirect URI", "http://127.0.0.1:3000/callback")
	cl.PostLogoutRedirectURI = ask(reader, out, "Post logout redirect URI", "http://127.0.0.1:3000/")

	if askYesNo(reader, out, "Keep state in Redis?", false) {
		cfg.StateStore.Type = config.StoreRedis
		cfg.StateStore.Addr = ask(reader, out, "Redis address", "127.0.0.1:6379")
	}

	devMode := askYesNo(reader, out, "Run the sample relying party in development mode?", true)
	cfg.Server.DevMode = devMode
	if devMode {
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return config.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return config.Load(path, logger)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg config.Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return config.Write(path, cfg)
}
