// stashd serves the cache service: the Associations index plus ByteStream
// blob transfer, backed by local disk or process memory.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"

	"github.com/buildstash/stash/remote/grpcstore"
	"github.com/buildstash/stash/transfer"
)

func main() {
	fs := flag.NewFlagSet("stashd", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:9443", "listen address")
	backend := fs.String("backend", "disk", "storage backend: disk or memory")
	root := fs.String("root", "", "storage root directory (disk backend)")
	token := fs.String("token", "", "bearer token to require; empty disables auth")

	_ = fs.Parse(os.Args[1:])
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var (
		store grpcstore.Backend
		err   error
	)
	switch *backend {
	case "disk":
		if *root == "" {
			fmt.Fprintln(os.Stderr, "-root is required with the disk backend")
			os.Exit(2)
		}
		store, err = grpcstore.NewDiskBackend(*root)
	case "memory":
		store = grpcstore.NewMemoryBackend()
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", *backend)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	maxMsg := transfer.MaxFrameBytes + 64*1024
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	)
	grpcstore.RegisterServer(srv, &grpcstore.Server{Backend: store, Token: *token})

	logger.Info("stashd listening", "addr", lis.Addr().String(), "backend", *backend)
	if err := srv.Serve(lis); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
