// Package main is the entry point for the lspmux command, a small client
// that dispatches one query to every language server configured for a file
// and prints the combined results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/lspmux/internal/config"
	"github.com/dshills/lspmux/internal/future"
	"github.com/dshills/lspmux/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "server configuration file (default: lspmux.json, then the user config dir)")
		file        = flag.String("file", "", "file to query")
		line        = flag.Int("line", 0, "zero-based line")
		col         = flag.Int("col", 0, "zero-based column")
		op          = flag.String("op", "hover", "operation: hover, definition, references, symbols, complete")
		prefer      = flag.String("prefer", "", "preferred server id")
		timeout     = flag.Duration("timeout", 30*time.Second, "overall timeout")
		verbose     = flag.Bool("v", false, "verbose logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("lspmux %s (%s)\n", version, commit)
		return 0
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else if level, perr := zerolog.ParseLevel(cfg.Level()); perr == nil {
		logger = logger.Level(level)
	}

	reg := lsp.NewRegistry(lsp.WithLogger(logger))
	for _, def := range cfg.Definitions() {
		reg.Register(def)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	defer func() {
		if err := reg.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("server shutdown failed")
		}
	}()

	uri := lsp.FilePathToURI(*file)
	pos := lsp.Position{Line: *line, Character: *col}

	builder := lsp.ForDocument(reg, uri).WithLogger(logger)
	if *prefer != "" {
		builder = builder.WithPreferred(lsp.ServerID(*prefer))
	}

	out, err := runOp(ctx, builder, *op, uri, pos)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
		return 1
	}
	return 0
}

// runOp builds the executor for the requested operation and awaits the
// combined result.
func runOp(ctx context.Context, builder lsp.Builder, op string, uri lsp.DocumentURI, pos lsp.Position) (any, error) {
	switch op {
	case "hover":
		ex := builder.WithCapability(lsp.CapHover).Build()
		return await(ctx, lsp.ComputeFirst(ex, lsp.HoverRequest(uri, pos)))
	case "definition":
		ex := builder.WithCapability(lsp.CapDefinition).Build()
		return await(ctx, lsp.ComputeFirst(ex, lsp.DefinitionRequest(uri, pos)))
	case "references":
		ex := builder.WithCapability(lsp.CapReferences).Build()
		return lsp.CollectAll(ex, lsp.ReferencesRequest(uri, pos, true)).Await(ctx)
	case "symbols":
		ex := builder.WithCapability(lsp.CapDocumentSymbol).Build()
		return lsp.CollectAll(ex, lsp.DocumentSymbolsRequest(uri)).Await(ctx)
	case "complete":
		ex := builder.WithCapability(lsp.CapCompletion).Build()
		return lsp.CollectAll(ex, lsp.CompletionRequest(uri, pos)).Await(ctx)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// await resolves a first-wins result, unwrapping the optional.
func await[T any](ctx context.Context, f *future.Future[future.Option[T]]) (any, error) {
	o, err := f.Await(ctx)
	if err != nil {
		f.Cancel()
		return nil, err
	}
	v, ok := o.Get()
	if !ok {
		return nil, nil
	}
	return v, nil
}

