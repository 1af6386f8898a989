package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studiorelay/attachments"
	"studiorelay/auth"
	"studiorelay/config"
	"studiorelay/db"
	"studiorelay/logger"
	"studiorelay/server"

	"github.com/google/uuid"
)

func main() {
	if err := logger.Init("info"); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		logger.Log.Fatalf("Failed to initialize logger: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	files, err := attachments.New(cfg.UploadDir, "/uploads", cfg.MaxUploadBytes)
	if err != nil {
		logger.Log.Fatalf("Failed to initialize attachment storage: %v", err)
	}

	secret := cfg.JWTSecret
	if secret == "" {
		// tokens will not survive a restart
		secret = uuid.NewString()
		logger.Log.Warnf("STUDIO_JWT_SECRET is not set, using an ephemeral signing key")
	}
	issuer := auth.NewIssuer(secret, cfg.TokenTTLDuration())

	srvConfig := &server.ServerConfig{
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeoutDuration(),
		WriteTimeout:   cfg.WriteTimeoutDuration(),
		PingInterval:   cfg.PingIntervalDuration(),
		EventRPS:       cfg.EventRPS,
		EventBurst:     cfg.EventBurst,
		RequireAuth:    cfg.RequireAuth,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	srv := server.New(database, files, issuer, srvConfig)

	// Start control socket for management commands
	go startControlSocket(srv, cfg.ControlSocket)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Log.Infof("Received signal %v, shutting down...", sig)
		shutdown(srv, cfg.ControlSocket, "maintenance", time.Time{})
	}()

	if err := srv.Start(); err != nil {
		logger.Log.Fatalf("Server failed: %v", err)
	}
}

func shutdown(srv *server.Server, socketPath, reason string, completionTime time.Time) {
	srv.Shutdown(reason, completionTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Log.Warnf("HTTP shutdown: %v", err)
	}

	os.Remove(socketPath)
	logger.Sync()
	os.Exit(0)
}

func startControlSocket(srv *server.Server, socketPath string) {
	if socketPath == "" {
		return
	}

	// Remove existing socket file
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		logger.Log.Warnf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	logger.Log.Infof("Control socket listening on %s", socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, socketPath, conn)
	}
}

// handleControlCommand serves one line: "stats" or "shutdown|reason|completion".
func handleControlCommand(srv *server.Server, socketPath string, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time

		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		logger.Log.Infof("Shutdown requested: reason=%s, completion=%v", reason, completionTime)
		shutdown(srv, socketPath, reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
