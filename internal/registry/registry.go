// Package registry runs hosted games. Each running game owns a session
// controller, a session server and, optionally, a public tunnel. The
// registry is created by main and passed to whoever needs it.
package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lairsandllamas/host/internal/agent"
	"github.com/lairsandllamas/host/internal/auth"
	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/history"
	"github.com/lairsandllamas/host/internal/keepawake"
	"github.com/lairsandllamas/host/internal/metrics"
	"github.com/lairsandllamas/host/internal/server"
	"github.com/lairsandllamas/host/internal/session"
	"github.com/lairsandllamas/host/internal/storage"
	"github.com/lairsandllamas/host/internal/transcript"
	"github.com/lairsandllamas/host/internal/tunnel"
)

// Store is the part of the game store a registry needs.
type Store interface {
	GetGame(id string) (*storage.Game, error)
	SetSessionHandle(id, handle string) error
	TouchGame(id string) error
	EnsureSecret(id string) (string, error)
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// HistoryFunc loads the transcript of an earlier conversation.
type HistoryFunc func(cwd, handle string) ([]transcript.Message, error)

// Config configures a Registry.
type Config struct {
	Agent   agent.Agent
	Store   Store
	Tunnels *tunnel.Manager
	Metrics *metrics.Metrics

	// ListenAddr is where each game's server listens. Port 0 picks a free one.
	ListenAddr   string
	SystemPrompt string
	Model        string
	Effort       string
	DiceSettle   time.Duration
	CommandRate  float64
	CommandBurst int
	// TLS serves every game over wss://. Tunnels are unavailable then,
	// since the relay forwards plain HTTP.
	TLS *tls.Config
	// KeepAwake, when set, keeps the host from sleeping while any game runs.
	KeepAwake *keepawake.Manager

	// History defaults to history.LoadSession.
	History HistoryFunc
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// GameOptions tune a single StartGame call.
type GameOptions struct {
	// InitialPrompt is sent when the first client joins.
	InitialPrompt string
	// Open admits clients without the game secret.
	Open bool
}

// Game is a running game.
type Game struct {
	ID       string
	Campaign string
	Dir      string
	Port     int
	// Secret is empty for an open game.
	Secret string
	// Secure is set when the game is served over TLS.
	Secure     bool
	Controller *session.Controller
	Server     *server.Server
}

// LocalURL is the loopback join address of the game.
func (g *Game) LocalURL() string {
	scheme := "ws"
	if g.Secure {
		scheme = "wss"
	}
	return WithSecret(fmt.Sprintf("%s://127.0.0.1:%d", scheme, g.Port), g.Secret)
}

// WithSecret appends the password query to a join address.
func WithSecret(joinURL, secret string) string {
	if secret == "" {
		return joinURL
	}
	return joinURL + "/?password=" + url.QueryEscape(secret)
}

// Registry owns every running game.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	games map[string]*Game
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.History == nil {
		cfg.History = history.LoadSession
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return &Registry{cfg: cfg, games: make(map[string]*Game)}
}

// StartGame starts serving the stored game id and returns its port.
// A game that is already running is stopped first.
func (r *Registry) StartGame(id string, opts GameOptions) (int, error) {
	if err := r.StopGame(id); err == nil {
		log.Printf("registry: restarted game %s", id)
	}

	rec, err := r.cfg.Store.GetGame(id)
	if err != nil {
		return 0, err
	}

	secret := ""
	if !opts.Open {
		if secret, err = r.cfg.Store.EnsureSecret(id); err != nil {
			return 0, err
		}
	}
	authenticator, err := auth.NewAuthenticatorWithCost(secret, r.cfg.BcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash game secret: %w", err)
	}

	msgs, err := r.cfg.History(rec.Dir, rec.SessionID)
	if err != nil {
		// A damaged log only costs the players their scrollback.
		log.Printf("registry: loading history for game %s: %v", id, err)
		msgs = nil
	}

	srv := server.New(server.Config{
		Auth:         authenticator,
		Metrics:      r.cfg.Metrics,
		CommandRate:  r.cfg.CommandRate,
		CommandBurst: r.cfg.CommandBurst,
		TLS:          r.cfg.TLS,
	})
	ctrl := session.New(session.Config{
		Agent:         r.cfg.Agent,
		SystemPrompt:  r.cfg.SystemPrompt,
		Cwd:           rec.Dir,
		Model:         r.setting(storage.SettingModel, r.cfg.Model),
		Effort:        r.setting(storage.SettingEffort, r.cfg.Effort),
		SessionID:     rec.SessionID,
		History:       msgs,
		InitialPrompt: opts.InitialPrompt,
		DiceSettle:    r.cfg.DiceSettle,
		Hooks:         r.hooks(id),
		Metrics:       r.cfg.Metrics,
	}, srv)
	srv.SetSession(ctrl)

	port, err := srv.Start(r.cfg.ListenAddr)
	if err != nil {
		srv.Stop()
		ctrl.Close()
		return 0, err
	}
	if err := r.cfg.Store.TouchGame(id); err != nil {
		log.Printf("registry: touch game %s: %v", id, err)
	}

	g := &Game{
		ID:         id,
		Campaign:   rec.Campaign,
		Dir:        rec.Dir,
		Port:       port,
		Secret:     secret,
		Secure:     r.cfg.TLS != nil,
		Controller: ctrl,
		Server:     srv,
	}
	r.mu.Lock()
	r.games[id] = g
	r.mu.Unlock()
	if r.cfg.KeepAwake != nil {
		r.cfg.KeepAwake.Hold(context.Background())
	}

	log.Printf("registry: game %s (%s) serving on port %d with %d history messages", id, rec.Campaign, port, len(msgs))
	return port, nil
}

// setting returns the persisted value for key, or fallback.
func (r *Registry) setting(key, fallback string) string {
	v, ok, err := r.cfg.Store.GetSetting(key)
	if err != nil {
		log.Printf("registry: reading setting %s: %v", key, err)
	}
	if !ok || v == "" {
		return fallback
	}
	return v
}

// hooks persist session metadata as the controller changes it.
func (r *Registry) hooks(id string) session.Hooks {
	store := r.cfg.Store
	return session.Hooks{
		OnSessionID: func(handle string) {
			if err := store.SetSessionHandle(id, handle); err != nil {
				log.Printf("registry: saving session handle for game %s: %v", id, err)
			}
		},
		OnModel: func(model string) {
			if err := store.SetSetting(storage.SettingModel, model); err != nil {
				log.Printf("registry: saving model: %v", err)
			}
		},
		OnEffort: func(effort string) {
			if err := store.SetSetting(storage.SettingEffort, effort); err != nil {
				log.Printf("registry: saving effort: %v", err)
			}
		},
	}
}

// StopGame closes the game's tunnel, disconnects its clients and ends
// any in-flight turn.
func (r *Registry) StopGame(id string) error {
	r.mu.Lock()
	g := r.games[id]
	delete(r.games, id)
	r.mu.Unlock()

	if g == nil {
		return apperrors.GameNotFound(id)
	}
	if r.cfg.Tunnels != nil {
		r.cfg.Tunnels.Close(id)
	}
	if err := g.Server.Stop(); err != nil {
		log.Printf("registry: stopping server for game %s: %v", id, err)
	}
	g.Controller.Close()
	if r.cfg.KeepAwake != nil {
		r.cfg.KeepAwake.Unhold(context.Background())
	}
	log.Printf("registry: game %s stopped", id)
	return nil
}

// OpenTunnel exposes a running game publicly and returns its WebSocket
// join address, without the secret.
func (r *Registry) OpenTunnel(ctx context.Context, id string, cb tunnel.StatusFunc) (string, error) {
	g, ok := r.Game(id)
	if !ok {
		return "", apperrors.GameNotFound(id)
	}
	if r.cfg.Tunnels == nil {
		return "", apperrors.TunnelOpenFailed(errors.New("tunnels are not configured"))
	}
	if g.Secure {
		return "", apperrors.TunnelOpenFailed(errors.New("tunnels cannot forward a TLS game"))
	}
	return r.cfg.Tunnels.Open(ctx, id, g.Port, cb)
}

// CloseTunnel closes the game's tunnel. The game keeps running.
func (r *Registry) CloseTunnel(id string) error {
	if r.cfg.Tunnels == nil {
		return apperrors.TunnelNotFound(id)
	}
	return r.cfg.Tunnels.Close(id)
}

// Game returns the running game id.
func (r *Registry) Game(id string) (*Game, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[id]
	return g, ok
}

// StopAll stops every running game.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.games))
	for id := range r.games {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopGame(id)
	}
	if r.cfg.Tunnels != nil {
		r.cfg.Tunnels.CloseAll()
	}
}
