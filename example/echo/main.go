package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/flounderize/mcp-wire"
	"github.com/flounderize/mcp-wire/servers/demo"
)

// config selects the transport the demo pair runs over. All three transports
// serve the same backend, so the client interaction is identical.
type config struct {
	Transport string `env:"TRANSPORT" envDefault:"stdio"` // stdio, sse, or streamable
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	Message   string `env:"MESSAGE" envDefault:"hello from echo"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("Exiting...")
		cancel()
	}()

	backend := demo.NewServer()
	defer backend.Close()

	var transport mcp.ClientTransport
	var teardown func()
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, teardown = serveStdIO(backend)
	case "sse":
		transport, teardown, err = serveSSE(cfg.HTTPAddr, backend)
	case "streamable":
		transport, teardown, err = serveStreamable(cfg.HTTPAddr, backend)
	default:
		log.Fatalf("unknown transport: %s", cfg.Transport)
	}
	if err != nil {
		log.Fatalf("failed to start %s server: %v", cfg.Transport, err)
	}
	defer teardown()

	if err := run(ctx, cfg, transport); err != nil {
		log.Fatalf("client error: %v", err)
	}
}

func serverInfo() mcp.Info {
	return mcp.Info{Name: "echo-server", Version: "1.0"}
}

func serverOptions(backend *demo.Server) []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithToolServer(backend),
		mcp.WithToolListUpdater(backend),
		mcp.WithResourceServer(backend),
		mcp.WithPromptServer(backend),
		mcp.WithInstructions("A small demo backend for trying out the protocol."),
	}
}

func serveStdIO(backend *demo.Server) (mcp.ClientTransport, func()) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := mcp.NewServer(serverInfo(), mcp.NewStdIO(serverReader, serverWriter), serverOptions(backend)...)
	go srv.Serve()

	return mcp.NewStdIO(clientReader, clientWriter), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend.Close()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v\n", err)
		}
	}
}

func serveSSE(addr string, backend *demo.Server) (mcp.ClientTransport, func(), error) {
	baseURL := fmt.Sprintf("http://localhost%s", addr)

	sseServer := mcp.NewSSEServer(baseURL + "/message")
	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.HandleSSE())
	mux.Handle("/message", sseServer.HandleMessage())

	srv := mcp.NewServer(serverInfo(), sseServer, serverOptions(backend)...)
	go srv.Serve()

	httpSrv, err := startHTTP(addr, mux)
	if err != nil {
		return nil, nil, err
	}

	teardown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend.Close()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v\n", err)
		}
		if err := httpSrv.Shutdown(ctx); err != nil {
			fmt.Printf("HTTP server forced to shutdown: %v\n", err)
		}
	}

	return mcp.NewSSEClient(baseURL+"/sse", http.DefaultClient), teardown, nil
}

func serveStreamable(addr string, backend *demo.Server) (mcp.ClientTransport, func(), error) {
	srv := mcp.NewStreamableServer(serverInfo(),
		mcp.WithStreamableToolServer(backend),
		mcp.WithStreamableResourceServer(backend),
		mcp.WithStreamablePromptServer(backend))

	httpSrv, err := startHTTP(addr, srv.HandleStream())
	if err != nil {
		return nil, nil, err
	}

	teardown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend.Close()
		if err := httpSrv.Shutdown(ctx); err != nil {
			fmt.Printf("HTTP server forced to shutdown: %v\n", err)
		}
	}

	baseURL := fmt.Sprintf("http://localhost%s", addr)
	return mcp.NewStreamableClient(baseURL, http.DefaultClient), teardown, nil
}

func startHTTP(addr string, handler http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	// Give ListenAndServe a moment to fail on a busy port.
	select {
	case err := <-errs:
		return nil, err
	case <-time.After(200 * time.Millisecond):
	}

	fmt.Printf("Server listening on %s\n", addr)
	return srv, nil
}
