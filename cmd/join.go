package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func runJoin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(stderr)
	password := fs.String("password", "", "Game password (if not already in the URL)")
	fingerprint := fs.String("fingerprint", "", "Certificate fingerprint of a host started with --tls")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: llamas join [options] <url>

Join a hosted game. The URL is the one shown by 'llamas play',
for example wss://brave-llama.loca.lt/?password=Ab3xYz. For a LAN host
started with --tls, pass the fingerprint it printed.

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
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	target, err := joinTarget(fs.Arg(0), *password)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	dialer, err := newDialer(*fingerprint)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "Joining %s (type /help for commands)\n", redact(target))
	if err := runClient(ctx, dialer, target, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// joinTarget normalizes a join address: http(s) becomes ws(s), a missing
// path becomes "/", and password is added unless the URL carries one.
func joinTarget(raw, password string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if password != "" {
		q := u.Query()
		if q.Get("password") == "" {
			q.Set("password", password)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}
