package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/chat"
	"github.com/junqo/messaging-gateway/internal/config"
	"github.com/junqo/messaging-gateway/internal/gateway"
	"github.com/junqo/messaging-gateway/internal/identity"
	"github.com/junqo/messaging-gateway/internal/messaging"
	"github.com/junqo/messaging-gateway/internal/presence"
	"github.com/junqo/messaging-gateway/internal/ratelimit"
	"github.com/junqo/messaging-gateway/internal/session"
	"github.com/junqo/messaging-gateway/internal/store"
	"github.com/junqo/messaging-gateway/internal/store/postgres"
	"github.com/junqo/messaging-gateway/internal/typing"
	"github.com/junqo/messaging-gateway/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Stores ---
	var (
		conversations store.ConversationStore
		messages      store.MessageStore
		closeDB       func() error
	)
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("failed to migrate postgres: %v", err)
		}
		pg := postgres.NewStore(db)
		conversations, messages, closeDB = pg.Conversations(), pg.Messages(), db.Close
	} else {
		mem := store.NewMemory()
		conversations, messages = mem.Conversations(), mem.Messages()
		log.Printf("DATABASE_URL not set, using the in-memory store")
	}

	// --- Core ---
	registry := presence.NewRegistry()
	hub := broadcast.NewHub(registry, nil)
	typingMgr := typing.NewManager(hub, cfg.TypingTimeout)
	messageSvc := chat.NewMessageService(conversations, messages, hub, typingMgr)
	conversationSvc := chat.NewConversationService(conversations)
	gw := gateway.New(registry, hub, typingMgr, messageSvc, conversationSvc)

	// --- Redis ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		gw.SetSessionMirror(sessionStore)
		gw.SetLimiter(ratelimit.NewLimiter(sessionStore.Client()), cfg.MessageRule())
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "messaging-gateway-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		messageSvc.SetPublisher(natsClient)
		conversationSvc.SetPublisher(natsClient)
	}

	log.Printf("messaging gateway starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.Server.WriteTimeout)
	log.Printf("  typing_timeout:  %s", cfg.TypingTimeout)
	log.Printf("  postgres:        %v", cfg.DatabaseURL != "")
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// --- Transport ---
	dispatcher := ws.NewMessageDispatcher()
	gw.Bind(dispatcher)

	server := ws.NewServer(cfg.Server, identity.NewJWTVerifier(cfg.JWTSecret), dispatcher.Dispatch)
	hub.SetSender(server)
	server.SetOnConnect(func(conn *ws.Connection) error {
		return gw.Connect(conn)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		gw.Disconnect(conn)
	})
	server.SetOnHeartbeat(func(conn *ws.Connection) {
		gw.Refresh(conn)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		typingMgr.Close()
		if natsClient != nil {
			if err := natsClient.Flush(); err != nil {
				log.Printf("nats flush error: %v", err)
			}
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if closeDB != nil {
			if err := closeDB(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
