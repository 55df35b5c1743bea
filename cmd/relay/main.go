// Package main provides the relay binary: an HTTP service that drives a
// hosted app-generation studio through a signed-in browser, plus the login
// bootstrap and a one-shot task runner for scripting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// Create context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCommand(ctx, os.Args[2:])
	case "login":
		err = loginCommand(ctx, os.Args[2:])
	case "run":
		err = runCommand(ctx, os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("relay v%s\n", version)
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		stop()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Printf("relay %s failed: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Relay - browser-driven app generation service\n\n")
	fmt.Fprintf(os.Stderr, "Usage: relay <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve    Run the HTTP service\n")
	fmt.Fprintf(os.Stderr, "  login    Open a headed browser to sign in to the studio once\n")
	fmt.Fprintf(os.Stderr, "  run      Run a single task and print its result as JSON\n")
	fmt.Fprintf(os.Stderr, "  version  Show version and exit\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  # Sign in with the persistent profile\n")
	fmt.Fprintf(os.Stderr, "  relay login -config relay.yaml\n\n")
	fmt.Fprintf(os.Stderr, "  # Serve on a custom address\n")
	fmt.Fprintf(os.Stderr, "  relay serve -config relay.yaml -addr :8080\n\n")
	fmt.Fprintf(os.Stderr, "  # Generate a project from the command line\n")
	fmt.Fprintf(os.Stderr, "  relay run -mode generate -prompt \"A pomodoro timer\"\n\n")
}
