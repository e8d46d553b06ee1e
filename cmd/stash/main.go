package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/buildstash/stash/config"
	"github.com/buildstash/stash/remote/grpcstore"
	"github.com/buildstash/stash/stash"
	"github.com/buildstash/stash/transfer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "save":
		return cmdSave(args[1:], out, errOut)
	case "restore":
		return cmdRestore(args[1:], out, errOut, false)
	case "lookup":
		return cmdRestore(args[1:], out, errOut, true)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "stash: remote build cache client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  stash save -key <key> [-config <file>] [-cross-platform] [-frame-bytes <n>] <path>...")
	fmt.Fprintln(w, "  stash restore -key <key> [-fallbacks <k1,k2,...>] [-config <file>] [-cross-platform] <path>...")
	fmt.Fprintln(w, "  stash lookup  -key <key> [-fallbacks <k1,k2,...>] [-config <file>] [-cross-platform] <path>...")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit codes: 0 hit/saved, 1 miss or failure, 2 usage.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - connection settings come from -config (JSON) overlaid with")
	fmt.Fprintln(w, "    STASH_ENDPOINT, STASH_CREDENTIAL, STASH_SALT, STASH_COMPRESSION, STASH_FRAME_BYTES")
	fmt.Fprintln(w, "  - fallback keys are comma-separated (keys cannot contain commas)")
	fmt.Fprintln(w, "  - a remote outage never fails the build: save becomes a no-op, restore a miss")
}

func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	return cfg.FromEnv()
}

func openEngine(cfg config.Config, errOut io.Writer) (*stash.Engine, func() error, error) {
	client, err := grpcstore.Dial(cfg.Endpoint, grpcstore.DialOptions{
		Credential:  cfg.Credential,
		MaxMsgBytes: transfer.MaxFrameBytes + 64*1024,
	})
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(errOut, nil))
	engine := stash.New(client, stash.Settings{
		Salt:           cfg.Salt,
		CompressionTag: cfg.Compression,
		FrameBytes:     cfg.FrameBytes,
	}, stash.WithLogger(logger))
	return engine, client.Close, nil
}

func cmdSave(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	fs.SetOutput(errOut)
	key := fs.String("key", "", "cache key to save under")
	configPath := fs.String("config", "", "path to JSON config file")
	crossPlatform := fs.Bool("cross-platform", false, "make the entry restorable across operating systems")
	frameBytes := fs.Int64("frame-bytes", 0, "upload frame size in bytes (0 = default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" || fs.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: stash save -key <key> [flags] <path>...")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	engine, closeFn, err := openEngine(cfg, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	id, err := engine.Save(context.Background(), stash.SaveRequest{
		Paths:         fs.Args(),
		Key:           *key,
		CrossPlatform: *crossPlatform,
		FrameBytes:    *frameBytes,
	})
	if err != nil {
		fmt.Fprintln(errOut, err)
		if stash.IsKind(err, stash.KindValidation) {
			return 2
		}
		return 1
	}
	if id == "" {
		// Degraded save; details already logged.
		return 0
	}
	fmt.Fprintln(out, id)
	return 0
}

func cmdRestore(args []string, out io.Writer, errOut io.Writer, lookupOnly bool) int {
	name := "restore"
	if lookupOnly {
		name = "lookup"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	key := fs.String("key", "", "primary cache key")
	fallbacks := fs.String("fallbacks", "", "comma-separated fallback keys, most specific first")
	configPath := fs.String("config", "", "path to JSON config file")
	crossPlatform := fs.Bool("cross-platform", false, "match entries saved with -cross-platform")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *key == "" || fs.NArg() == 0 {
		fmt.Fprintf(errOut, "usage: stash %s -key <key> [flags] <path>...\n", name)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	engine, closeFn, err := openEngine(cfg, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer closeFn()

	req := stash.RestoreRequest{
		Paths:         fs.Args(),
		PrimaryKey:    *key,
		FallbackKeys:  splitKeys(*fallbacks),
		CrossPlatform: *crossPlatform,
	}
	var result stash.RestoreResult
	if lookupOnly {
		result, err = engine.Lookup(context.Background(), req)
	} else {
		result, err = engine.Restore(context.Background(), req)
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		if stash.IsKind(err, stash.KindValidation) {
			return 2
		}
		return 1
	}
	if !result.Hit {
		fmt.Fprintln(out, "miss")
		return 1
	}
	fmt.Fprintln(out, result.MatchedKey)
	return 0
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	keys := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
