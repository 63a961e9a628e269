// Package mdns advertises a hosted game on the local network.
//
// The advertisement uses DNS-SD service type _llamas._tcp with TXT records
// for the protocol version, the game id, a human-readable name and whether
// the game is served over TLS.
// Discovery only reveals that a game is running; joining still requires
// the game's secret.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of a hosted game.
const ServiceType = "_llamas._tcp"

// ProtocolVersion identifies the wire protocol clients will speak.
const ProtocolVersion = "1"

// Config describes the game to advertise.
type Config struct {
	// Port is the session server port.
	Port int
	// GameID is the stored game id.
	GameID string
	// Name is shown to players browsing for games. Defaults to the hostname.
	Name string
	// Secure marks a wss:// game.
	Secure bool
}

// Advertiser registers one game with DNS-SD.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser for cfg. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start begins advertising. Calling it again while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, txtRecords(a.config, name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "llamas"
}

// txtRecords builds the TXT strings for a game. DNS limits each string to
// 255 bytes, so long names are cut.
func txtRecords(cfg Config, name string) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + truncate(name, 250),
	}
	if cfg.GameID != "" {
		txt = append(txt, "game="+cfg.GameID)
	}
	if cfg.Secure {
		txt = append(txt, "tls=1")
	}
	return txt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Stop withdraws the advertisement. Safe to call on a stopped advertiser.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the game is being advertised.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredGame is a game found on the local network.
type DiscoveredGame struct {
	Name    string
	Host    string
	Port    int
	GameID  string
	Version string
	Secure  bool
}

// applyTXT fills g from the advertised TXT records.
func (g *DiscoveredGame) applyTXT(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			g.Version = value
		case "game":
			g.GameID = value
		case "name":
			g.Name = value
		case "tls":
			g.Secure = value == "1"
		}
	}
}

// Discover browses for games until ctx is done and returns what it found.
func Discover(ctx context.Context) ([]DiscoveredGame, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		games []DiscoveredGame
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			g := DiscoveredGame{Name: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				g.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				g.Host = entry.AddrIPv6[0].String()
			}
			g.applyTXT(entry.Text)
			games = append(games, g)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()
	return games, nil
}
