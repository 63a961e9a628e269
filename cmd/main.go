package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.3.0" -o llamas ./cmd
var Version = "dev"

// stdin feeds the line-mode client. Tests replace it.
var stdin io.Reader = os.Stdin

const usage = `llamas - shared tabletop sessions run by a game master

Usage:
  llamas <command> [options]

Commands:
  play          Host a game and play it from this terminal
  join <url>    Join a game hosted elsewhere
  games list    List saved games
  games new     Create a new game
  version       Print the version

Run 'llamas <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "play":
		return runPlay(args[2:], stdout, stderr)
	case "join":
		return runJoin(args[2:], stdout, stderr)
	case "games":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: llamas games <list|new>")
			return 1
		}
		switch args[2] {
		case "list":
			return runGamesList(args[3:], stdout, stderr)
		case "new":
			return runGamesNew(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown games command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "llamas %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
