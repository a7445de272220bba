package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/parleychat/parley/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.parley/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	credPath := flag.String("credentials", "", "Path to credential file (overrides config)")
	blockDuration := flag.Int("block-duration", 0, "Login block duration in seconds (overrides config)")
	timeout := flag.Int("timeout", 0, "Idle timeout in seconds (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("Parley Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	serverConfig := config.ToServerConfig()

	// Command-line flags override config file
	if *port != 0 {
		serverConfig.TCPPort = *port
	}
	if *credPath != "" {
		serverConfig.CredentialsPath = *credPath
	}
	if *blockDuration != 0 {
		serverConfig.BlockDuration = time.Duration(*blockDuration) * time.Second
	}
	if *timeout != 0 {
		serverConfig.IdleTimeout = time.Duration(*timeout) * time.Second
	}

	// Ensure the credential directory exists before the store opens it
	finalCredPath, err := serverConfig.GetCredentialsPath()
	if err != nil {
		log.Fatalf("Failed to resolve credential path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalCredPath), 0755); err != nil {
		log.Fatalf("Failed to create credential directory: %v", err)
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	srv.SetMetrics(server.NewMetrics())

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s", *configPath)
	log.Printf("Credentials: %s", finalCredPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Parley server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): port %d", serverConfig.TCPPort)
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}
	log.Printf("  - Private channels: port %d", serverConfig.PrivatePort)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
