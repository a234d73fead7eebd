// Package main is the tilestream command line tool: it streams 3D Tiles
// tilesets through the response cache and manages ion sign-in.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tilestream/tilestream/internal/app"
	"github.com/tilestream/tilestream/internal/config"
	"github.com/tilestream/tilestream/internal/ion"
	"github.com/tilestream/tilestream/internal/logging"
	"github.com/tilestream/tilestream/internal/metrics"
	"github.com/tilestream/tilestream/pkg/client"
	"github.com/tilestream/tilestream/pkg/tileset"
	"github.com/tilestream/tilestream/pkg/uri"
)

func main() {
	flags := pflag.NewFlagSet("tilestream", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("TILESTREAM_CONFIG"), "YAML configuration file")
	logLevel := flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	noBrowser := flags.Bool("no-browser", false, "Print the sign-in URL instead of opening a browser")
	timeout := flags.Duration("timeout", 5*time.Minute, "Overall command timeout")
	token := flags.String("token", "", "Access token for ion-load (defaults to the signed-in session)")
	dryRun := flags.Bool("dry-run", false, "For load, list the content the tileset references without fetching it")
	flags.Usage = printUsage

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	args := flags.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, cmdArgs := args[0], args[1:]

	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		fmt.Println("tilestream", client.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	opts := app.Options{Browser: openBrowser}
	if *noBrowser {
		opts.Browser = func(url string) error {
			fmt.Fprintf(os.Stderr, "Open this URL to sign in:\n  %s\n", url)
			return nil
		}
	}
	a, err := app.Init(ctx, cfg, opts)
	if err != nil {
		logging.Fatal("initialization failed", zap.Error(err))
	}
	defer a.Shutdown()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	switch cmd {
	case "load":
		err = cmdLoad(ctx, a, *dryRun, cmdArgs)
	case "ion-load":
		err = cmdIonLoad(ctx, a, *token, cmdArgs)
	case "login":
		err = cmdLogin(ctx, a)
	case "logout":
		err = cmdLogout(ctx, a)
	case "whoami":
		err = cmdWhoami(ctx, a)
	case "assets":
		err = cmdAssets(ctx, a)
	case "tokens":
		err = cmdTokens(ctx, a)
	case "cache":
		err = cmdCache(a, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Shutdown()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tilestream - 3D Tiles streaming client

Usage: tilestream [flags] <command> [args]

Flags:
  -c, --config <file>   YAML configuration file (env: TILESTREAM_CONFIG)
  --log-level <level>   Log level override
  --no-browser          Print the sign-in URL instead of opening a browser
  --timeout <duration>  Overall command timeout (default: 5m)
  --token <token>       Access token for ion-load
  --dry-run             With load, list referenced content without fetching it

Commands:
  load <url>            Load a tileset (http, https, file or s3 URL)
  ion-load <asset-id>   Load an ion asset through its endpoint
  login                 Sign in to ion in the browser
  logout                Sign out and delete the saved token
  whoami                Show the signed-in profile
  assets                List ion assets
  tokens                List ion access tokens
  cache status          Show response cache statistics
  cache prune           Evict entries beyond max_cache_items
  cache clear           Remove every cached response
  version               Show the version
  help                  Show this help message

Examples:
  tilestream load https://example.com/tileset/tileset.json
  tilestream load file:///data/city/tileset.json
  tilestream --dry-run load https://example.com/tileset/tileset.json
  tilestream login
  tilestream ion-load 96188`)
}

func serveMetrics(addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	logging.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("metrics server failed", zap.Error(err))
	}
}

func openBrowser(url string) error {
	fmt.Fprintf(os.Stderr, "Opening browser to sign in. If it does not open, visit:\n  %s\n", url)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// --- tileset loading ---

type loadReport struct {
	bytes    int64
	failures []tileset.LoadFailure
}

func (r *loadReport) hooks() tileset.Hooks {
	return tileset.Hooks{
		OnLeafContentFetched: func(uri string, body []byte, parent tileset.Attachment) tileset.Attachment {
			r.bytes += int64(len(body))
			logging.Debug("leaf content", logging.URL(uri), zap.Int("bytes", len(body)))
			return nil
		},
		OnLoadFailure: func(f tileset.LoadFailure) {
			r.failures = append(r.failures, f)
		},
	}
}

func cmdLoad(ctx context.Context, a *app.Context, dryRun bool, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tilestream load <url>")
	}
	if dryRun {
		return outlineTileset(ctx, a, args[0])
	}
	var report loadReport
	var ld *tileset.Load
	if err := a.Loop.Call(ctx, func() { ld = a.Loader.Load(args[0], report.hooks()) }); err != nil {
		return err
	}
	return finishLoad(ctx, a, ld, &report)
}

// outlineTileset fetches only the tileset JSON at target and prints the
// content a load would request.
func outlineTileset(ctx context.Context, a *app.Context, target string) error {
	resp, err := a.Client.Get(ctx, client.NewGet(target))
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return fmt.Errorf("fetching %s: %w", target, resp.Err)
	}
	if !resp.OK() {
		return fmt.Errorf("fetching %s: %d %s", target, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	doc, err := tileset.ParseDocument(resp.Body)
	if err != nil {
		return err
	}
	if !doc.RootOK {
		return fmt.Errorf("%s has no root tile", target)
	}

	entries := tileset.Outline(doc.Root, target, a.Loader.Options().LeavesOnly)
	external := 0
	for _, e := range entries {
		if e.External {
			external++
		}
	}

	fmt.Println("Tileset Outline")
	fmt.Println("---------------")
	fmt.Printf("Base:         %s\n", uri.Directory(target))
	fmt.Printf("Version:      %s\n", doc.Version)
	fmt.Printf("Tiles:        %s\n", humanize.Comma(int64(tileset.CountNodes(doc.Root))))
	fmt.Printf("Content:      %s\n", humanize.Comma(int64(len(entries)-external)))
	fmt.Printf("External:     %d\n", external)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nDEPTH\tKIND\tURI")
	for _, e := range entries {
		kind := "content"
		if e.External {
			kind = "tileset"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", e.Depth, kind, e.URI)
	}
	return w.Flush()
}

func cmdIonLoad(ctx context.Context, a *app.Context, token string, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tilestream ion-load <asset-id>")
	}
	assetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid asset id %q", args[0])
	}

	s := a.Session()
	connected := token == "" && resume(ctx, a) == nil

	var server ion.Server
	if err := a.Loop.Call(ctx, func() {
		server = s.Server()
		if connected && s.Connection() != nil {
			token = s.Connection().AccessToken()
		}
	}); err != nil {
		return err
	}
	if token == "" {
		token = server.DefaultAccessToken
	}
	if token == "" {
		return errors.New("no access token: sign in with 'tilestream login', pass --token or set ion.default_access_token")
	}
	apiURL, err := a.APIURL(ctx, server)
	if err != nil {
		return fmt.Errorf("resolving ion API URL: %w", err)
	}

	var report loadReport
	var ld *tileset.Load
	if err := a.Loop.Call(ctx, func() { ld = a.Loader.LoadIonAsset(apiURL, assetID, token, report.hooks()) }); err != nil {
		return err
	}
	return finishLoad(ctx, a, ld, &report)
}

func finishLoad(ctx context.Context, a *app.Context, ld *tileset.Load, report *loadReport) error {
	if err := ld.Wait(ctx); err != nil {
		a.Loop.Post(ld.Cancel)
		return err
	}

	stats := ld.Stats()
	fmt.Println("Tileset Load")
	fmt.Println("------------")
	fmt.Printf("URL:          %s\n", ld.URL())
	fmt.Printf("Tiles:        %s\n", humanize.Comma(int64(stats.Nodes)))
	fmt.Printf("Leaves:       %s\n", humanize.Comma(int64(stats.Leaves)))
	fmt.Printf("External:     %d\n", stats.External)
	fmt.Printf("Skipped:      %d\n", stats.Skipped)
	fmt.Printf("Failures:     %d\n", stats.Failures)
	fmt.Printf("Downloaded:   %s\n", humanize.Bytes(uint64(report.bytes)))
	for format, n := range stats.Formats {
		fmt.Printf("  %-10s  %s\n", format, humanize.Comma(int64(n)))
	}

	if len(report.failures) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nTYPE\tSTATUS\tURL\tMESSAGE")
		for _, f := range report.failures {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Type, f.HTTPStatusCode, f.URL, f.Message)
		}
		w.Flush()
	}
	return nil
}

// --- ion session ---

// waitFor blocks until cond, evaluated on the loop, holds. It re-checks on
// every session event and at least every quarter second.
func waitFor(ctx context.Context, a *app.Context, cond func() bool) error {
	sub := a.Events.Subscribe()
	defer a.Events.Unsubscribe(sub)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var ok bool
		if err := a.Loop.Call(ctx, func() { ok = cond() }); err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub:
		case <-ticker.C:
		}
	}
}

// resume restores the saved session, if any.
func resume(ctx context.Context, a *app.Context) error {
	s := a.Session()
	if err := a.Loop.Call(ctx, s.Resume); err != nil {
		return err
	}
	if err := waitFor(ctx, a, func() bool { return !s.IsResuming() }); err != nil {
		return err
	}
	var connected bool
	if err := a.Loop.Call(ctx, func() { connected = s.IsConnected() }); err != nil {
		return err
	}
	if !connected {
		return fmt.Errorf("%w: run 'tilestream login'", ion.ErrNotConnected)
	}
	return nil
}

func loadResource(ctx context.Context, a *app.Context, r ion.Resource) error {
	if err := resume(ctx, a); err != nil {
		return err
	}
	s := a.Session()
	if err := a.Loop.Call(ctx, func() { s.RefreshIfNeeded(r) }); err != nil {
		return err
	}
	if err := waitFor(ctx, a, func() bool { return !s.IsLoading(r) }); err != nil {
		return err
	}
	var loaded bool
	if err := a.Loop.Call(ctx, func() { loaded = s.IsLoaded(r) }); err != nil {
		return err
	}
	if !loaded {
		return fmt.Errorf("failed to load %s", r)
	}
	return nil
}

func cmdLogin(ctx context.Context, a *app.Context) error {
	s := a.Session()
	if err := resume(ctx, a); err == nil {
		fmt.Println("Already signed in.")
		return nil
	}
	if err := a.Loop.Call(ctx, s.Connect); err != nil {
		return err
	}
	err := waitFor(ctx, a, func() bool { return !s.IsConnecting() })
	if err != nil {
		a.Loop.Post(s.CancelConnect)
		return err
	}
	var connected bool
	if err := a.Loop.Call(ctx, func() { connected = s.IsConnected() }); err != nil {
		return err
	}
	if !connected {
		return errors.New("sign-in failed")
	}
	return cmdWhoami(ctx, a)
}

func cmdLogout(ctx context.Context, a *app.Context) error {
	if err := a.Loop.Call(ctx, a.Session().Disconnect); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}

func cmdWhoami(ctx context.Context, a *app.Context) error {
	if err := loadResource(ctx, a, ion.ResourceProfile); err != nil {
		return err
	}
	var p ion.Profile
	var server ion.Server
	if err := a.Loop.Call(ctx, func() {
		p = a.Session().Profile()
		server = a.Session().Server()
	}); err != nil {
		return err
	}
	fmt.Printf("Username:     %s\n", p.Username)
	fmt.Printf("Email:        %s\n", p.Email)
	fmt.Printf("Server:       %s\n", server.Key())
	fmt.Printf("Storage:      %s of %s used\n",
		humanize.Bytes(uint64(p.Storage.Used)), humanize.Bytes(uint64(p.Storage.Total)))
	return nil
}

func cmdAssets(ctx context.Context, a *app.Context) error {
	if err := loadResource(ctx, a, ion.ResourceAssets); err != nil {
		return err
	}
	var assets ion.Assets
	if err := a.Loop.Call(ctx, func() { assets = a.Session().Assets() }); err != nil {
		return err
	}
	if len(assets.Items) == 0 {
		fmt.Println("No assets")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSIZE\tSTATUS\tADDED")
	fmt.Fprintln(w, "--\t----\t----\t----\t------\t-----")
	for _, as := range assets.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			as.ID, as.Name, as.Type, humanize.Bytes(uint64(as.Bytes)), as.Status, humanize.Time(as.DateAdded))
	}
	return w.Flush()
}

func cmdTokens(ctx context.Context, a *app.Context) error {
	if err := loadResource(ctx, a, ion.ResourceTokens); err != nil {
		return err
	}
	var tokens []ion.Token
	if err := a.Loop.Call(ctx, func() { tokens = a.Session().Tokens() }); err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tSCOPES")
	fmt.Fprintln(w, "--\t----\t-------\t------")
	for _, tok := range tokens {
		def := ""
		if tok.IsDefault {
			def = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", tok.ID, tok.Name, def, len(tok.Scopes))
	}
	return w.Flush()
}

// --- cache ---

func cmdCache(a *app.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tilestream cache <status|prune|clear>")
	}
	switch args[0] {
	case "status", "stats":
		stats, err := a.Cache.Stats()
		if err != nil {
			return err
		}
		fmt.Println("Cache Statistics")
		fmt.Println("----------------")
		fmt.Printf("Driver:       %s\n", stats.Driver)
		fmt.Printf("Entries:      %s\n", humanize.Comma(int64(stats.Items)))
		fmt.Printf("Max:          %s\n", humanize.Comma(int64(stats.MaxItems)))
		if stats.MaxItems > 0 {
			fmt.Printf("Usage:        %.1f%%\n", float64(stats.Items)/float64(stats.MaxItems)*100)
		}
	case "prune":
		n, err := a.Cache.Prune()
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %s entries\n", humanize.Comma(int64(n)))
	case "clear":
		n, err := a.Cache.Clear()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s entries\n", humanize.Comma(int64(n)))
	default:
		return fmt.Errorf("unknown cache command: %s", args[0])
	}
	return nil
}
