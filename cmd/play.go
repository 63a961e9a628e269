package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/lairsandllamas/host/internal/agent"
	"github.com/lairsandllamas/host/internal/config"
	"github.com/lairsandllamas/host/internal/keepawake"
	"github.com/lairsandllamas/host/internal/mdns"
	"github.com/lairsandllamas/host/internal/metrics"
	"github.com/lairsandllamas/host/internal/registry"
	"github.com/lairsandllamas/host/internal/storage"
	hosttls "github.com/lairsandllamas/host/internal/tls"
	"github.com/lairsandllamas/host/internal/tunnel"
)

// playOptions are the "play" flags that are not config overrides.
type playOptions struct {
	gameID   string
	campaign string
	template string
	prompt   string
	tunnel   bool
	qr       bool
	headless bool
	open     bool
}

func runPlay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts playOptions
	configPath := fs.String("config", "", "Path to config file (default: ~/.lairs-and-llamas/config.toml)")
	fs.StringVar(&opts.gameID, "game", "", "Game to play (default: the most recently played)")
	fs.StringVar(&opts.campaign, "campaign", "", "Create a new game for this campaign")
	fs.StringVar(&opts.template, "template", "", "Directory copied into a new game")
	fs.StringVar(&opts.prompt, "prompt", "", "Prompt sent when the first player joins")
	fs.BoolVar(&opts.tunnel, "tunnel", false, "Expose the game through a public relay")
	fs.BoolVar(&opts.qr, "qr", false, "Show the join URL as a QR code (with --tunnel)")
	fs.BoolVar(&opts.headless, "headless", false, "Serve only; do not play from this terminal")
	fs.BoolVar(&opts.open, "open", false, "Admit players without the game password")
	mdnsFlag := fs.Bool("mdns", false, "Advertise the game on the local network")
	tlsFlag := fs.Bool("tls", false, "Serve wss:// with a self-signed certificate")
	keepAwake := fs.Bool("keep-awake", false, "Keep this machine from sleeping while hosting")
	listen := fs.String("listen", "", "Listen address (default 127.0.0.1:0)")
	logFile := fs.String("log-file", "", "Write logs to this file")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	model := fs.String("model", "", "Model for new sessions")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: llamas play [options]

Host a game on this machine. Players join with 'llamas join' using the
URL and password printed at startup.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if *configPath == "" {
		// First run: leave a commented config behind to edit later.
		if path, err := config.DefaultConfigPath(); err == nil {
			if err := config.WriteDefault(path); err != nil {
				fmt.Fprintf(stderr, "Warning: %v\n", err)
			}
		}
	}

	cfg, store, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	// Flags win over the config file.
	if explicit["mdns"] {
		cfg.MdnsEnabled = *mdnsFlag
	}
	if explicit["keep-awake"] {
		cfg.KeepAwake = *keepAwake
	}
	if explicit["tls"] {
		cfg.TLS = *tlsFlag
	}
	if explicit["listen"] {
		cfg.ListenAddr = *listen
	}
	if explicit["log-file"] {
		cfg.LogFile = *logFile
	}
	if explicit["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if explicit["model"] {
		cfg.Model = *model
	}

	if cfg.TLS && opts.tunnel {
		fmt.Fprintln(stderr, "Error: --tunnel cannot be used with TLS; the relay forwards plain HTTP")
		return 1
	}

	closeLog, err := setupLogging(cfg, opts.headless, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	game, err := chooseGame(store, cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	systemPrompt := ""
	if cfg.SystemPrompt != "" {
		data, err := os.ReadFile(cfg.SystemPrompt)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to read system prompt: %v\n", err)
			return 1
		}
		systemPrompt = string(data)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m)
		defer srv.Close()
	}

	serverTLS, fingerprint, err := setupTLS(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var awake *keepawake.Manager
	if cfg.KeepAwake {
		awake = keepawake.NewManager(keepawake.NewDefaultAdapter(), keepawake.Options{})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			awake.Close(ctx)
		}()
	}

	out := &syncWriter{w: stdout}
	tunnels := tunnel.NewManager(&tunnel.LocalTunnel{Host: cfg.TunnelHost}, tunnel.Config{
		OpenTimeout: cfg.TunnelTimeout(),
		RetryDelay:  cfg.TunnelRetry(),
		Metrics:     m,
	})
	reg := registry.New(registry.Config{
		Agent:        agent.NewClaude(cfg.ClaudeBin),
		Store:        store,
		Tunnels:      tunnels,
		Metrics:      m,
		ListenAddr:   cfg.ListenAddr,
		SystemPrompt: systemPrompt,
		Model:        cfg.Model,
		Effort:       cfg.Effort,
		DiceSettle:   cfg.DiceSettle(),
		CommandRate:  cfg.RateLimit(),
		CommandBurst: cfg.CommandBurst,
		TLS:          serverTLS,
		KeepAwake:    awake,
	})
	defer reg.StopAll()

	port, err := reg.StartGame(game.ID, registry.GameOptions{InitialPrompt: opts.prompt, Open: opts.open})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	running, _ := reg.Game(game.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(out, running, fingerprint)
	if awake != nil {
		if st := awake.Snapshot(); st.State == keepawake.StateDegraded {
			fmt.Fprintf(stderr, "Warning: cannot keep this machine awake: %s\n", st.LastError)
		}
	}

	if opts.tunnel {
		url, err := reg.OpenTunnel(ctx, game.ID, func(s tunnel.Status) {
			if s.Open {
				log.Printf("play: tunnel up at %s", s.URL)
			} else {
				fmt.Fprintf(out, "[tunnel] relay lost (%v), reconnecting...\n", s.Err)
			}
		})
		if err != nil {
			fmt.Fprintf(stderr, "Warning: tunnel unavailable: %v\n", err)
		} else {
			joinURL := registry.WithSecret(url, running.Secret)
			fmt.Fprintf(out, "  Public:   %s\n", joinURL)
			if opts.qr {
				displayJoinQR(out, joinURL)
			}
		}
	}

	if cfg.MdnsEnabled {
		adv := mdns.NewAdvertiser(mdns.Config{Port: port, GameID: game.ID, Name: game.Campaign, Secure: running.Secure})
		if err := adv.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(out, "  mDNS:     advertised on the local network")
			defer adv.Stop()
		}
	}

	if opts.headless {
		fmt.Fprintln(out, "Serving. Press Ctrl+C to stop.")
		<-ctx.Done()
		fmt.Fprintln(out, "\nStopping...")
		return 0
	}

	dialer, err := newDialer(fingerprint)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "Type /help for commands.")
	if err := runClient(ctx, dialer, running.LocalURL(), stdin, out); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// chooseGame picks the game to play: an explicit id, a new game for a
// campaign, or the most recently played one.
func chooseGame(store *storage.SQLiteStore, cfg *config.Config, opts playOptions) (*storage.Game, error) {
	switch {
	case opts.gameID != "" && opts.campaign != "":
		return nil, errors.New("--game and --campaign are mutually exclusive")
	case opts.gameID != "":
		return store.GetGame(opts.gameID)
	case opts.campaign != "":
		return newGame(store, cfg, opts.campaign, opts.template)
	}

	games, err := store.ListGames()
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, errors.New("no games yet; start one with --campaign NAME")
	}
	return games[0], nil
}

// setupLogging sends logs to the log file. Without one, a headless host
// logs to stderr; an interactive one always uses a file so logs do not
// interleave with the transcript.
func setupLogging(cfg *config.Config, headless bool, stderr io.Writer) (func(), error) {
	if headless && cfg.LogFile == "" {
		log.SetOutput(stderr)
		return func() {}, nil
	}

	path := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(stderr)
		f.Close()
	}, nil
}

// setupTLS loads or creates the host certificate when TLS is enabled and
// returns the server config with the fingerprint players must pin.
func setupTLS(cfg *config.Config) (*tls.Config, string, error) {
	if !cfg.TLS {
		return nil, "", nil
	}
	info, err := hosttls.EnsureCertificate(hosttls.CertConfig{
		CertPath: cfg.CertPath(),
		KeyPath:  cfg.KeyPath(),
	})
	if err != nil {
		return nil, "", err
	}
	if info.IsGenerated {
		log.Printf("play: generated certificate %s", info.CertPath)
	}
	serverTLS, err := hosttls.LoadTLSConfig(info.CertPath, info.KeyPath)
	if err != nil {
		return nil, "", err
	}
	return serverTLS, info.Fingerprint, nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("play: metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("play: metrics server: %v", err)
		}
	}()
	return srv
}

func printBanner(w io.Writer, g *registry.Game, fingerprint string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  %s\n", g.Campaign)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  Game:     %s\n", g.ID)
	fmt.Fprintf(w, "  Local:    %s\n", g.LocalURL())
	if g.Secret != "" {
		fmt.Fprintf(w, "  Password: %s\n", g.Secret)
	} else {
		fmt.Fprintln(w, "  Password: none (open game)")
	}
	if fingerprint != "" {
		fmt.Fprintf(w, "  TLS:      %s\n", fingerprint)
	}
}

// displayJoinQR prints the join URL as a terminal QR code, falling back
// to plain text.
func displayJoinQR(w io.Writer, joinURL string) {
	qr, err := qrcode.New(joinURL, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		return
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Scan to join:")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "")
}

// syncWriter serializes writes from the client and tunnel callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
