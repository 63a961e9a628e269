package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/lairsandllamas/host/internal/config"
	"github.com/lairsandllamas/host/internal/storage"
)

// openStore loads the config at path and opens the game database.
func openStore(path string) (*config.Config, *storage.SQLiteStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// newGame records a game and prepares its working directory, seeding it
// from template when one is given.
func newGame(store *storage.SQLiteStore, cfg *config.Config, campaign, template string) (*storage.Game, error) {
	g, err := store.CreateGameIn(campaign, cfg.GamesDir())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create game directory: %w", err)
	}
	if template != "" {
		if err := os.CopyFS(g.Dir, os.DirFS(template)); err != nil {
			return nil, fmt.Errorf("failed to copy template %s: %w", template, err)
		}
	}
	if _, err := store.EnsureSecret(g.ID); err != nil {
		return nil, err
	}
	return store.GetGame(g.ID)
}

func runGamesNew(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("games new", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.lairs-and-llamas/config.toml)")
	campaign := fs.String("campaign", "", "Campaign name (required)")
	template := fs.String("template", "", "Directory copied into the new game (rules, character sheets, dice script)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: llamas games new --campaign NAME [options]\n\nCreate a new game.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *campaign == "" {
		fmt.Fprintln(stderr, "Error: --campaign is required")
		return 1
	}

	cfg, store, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	g, err := newGame(store, cfg, *campaign, *template)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Created game %s\n", g.ID)
	fmt.Fprintf(stdout, "  Campaign:  %s\n", g.Campaign)
	fmt.Fprintf(stdout, "  Directory: %s\n", g.Dir)
	fmt.Fprintf(stdout, "  Password:  %s\n", g.Secret)
	fmt.Fprintf(stdout, "\nStart it with: llamas play --game %s\n", g.ID)
	return 0
}

func runGamesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("games list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (default: ~/.lairs-and-llamas/config.toml)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	_, store, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	games, err := store.ListGames()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(games) == 0 {
		fmt.Fprintln(stdout, "No games yet. Create one with: llamas games new --campaign NAME")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tLAST PLAYED\tRESUMABLE\tDIRECTORY")
	for _, g := range games {
		resumable := "no"
		if g.SessionID != "" {
			resumable = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Campaign, g.LastPlayed.Local().Format("2006-01-02 15:04"), resumable, filepath.Base(g.Dir))
	}
	w.Flush()
	return 0
}
