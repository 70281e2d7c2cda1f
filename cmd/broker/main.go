package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/access"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/config"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/db"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/handler"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ports"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/proxy"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/pull"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/repository"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/runtime"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/session"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/ws"
)

func main() {
	cfg := config.Load()

	database := db.Init(cfg.DatabaseURL, cfg.DBSchema)
	db.Migrate(database)

	sessionRepo := repository.NewSessionRepository(database)
	imageRepo := repository.NewImageRepository(database)
	assignmentRepo := repository.NewAssignmentRepository(database)
	resolver := access.NewResolver(assignmentRepo, imageRepo)

	allocator, err := ports.NewAllocator(cfg.PortMin, cfg.PortMax)
	if err != nil {
		log.Fatalf("failed to build port allocator: %v", err)
	}

	dockerRuntime, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Fatalf("failed to connect to container runtime: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	hub := ws.NewHub()
	publishers := events.Multi{hub}
	if cfg.RabbitMQURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
	}

	// The manager and the proxy router reference each other: the router asks
	// the manager about unknown tokens, the manager installs routes. Late-bind
	// the manager side through closures.
	var manager *session.Manager
	proxyRouter := proxy.NewRouter(proxy.Options{
		TargetHost:  cfg.DockerHostAddr,
		Scheme:      cfg.ContainerScheme,
		VNCUser:     cfg.VNCUser,
		VNCPassword: cfg.VNCPassword,
		Status: func(ctx context.Context, token string) (string, bool) {
			return manager.StatusByProxyPath(ctx, token)
		},
		OnActivity: func(token string) { manager.Touch(token) },
	})

	manager = session.NewManager(sessionRepo, imageRepo, resolver, allocator, dockerRuntime, proxyRouter, publishers, session.Options{
		ContainerPort:    cfg.ContainerPort,
		RuntimeTimeout:   cfg.RuntimeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		ReaperInterval:   cfg.ReaperInterval,
		CleanupRetention: cfg.CleanupRetention,
		CleanupInterval:  cfg.CleanupInterval,
		FolderRoot:       cfg.FolderRoot,
		ExternalBaseURL:  cfg.ExternalBaseURL,
		VNCUser:          cfg.VNCUser,
		VNCPassword:      cfg.VNCPassword,
		ShmSizeBytes:     cfg.ShmSizeBytes,
		MemoryBytes:      cfg.MemoryBytes,
		NanoCPUs:         cfg.NanoCPUs,
	})

	ctx, cancelLifecycle := context.WithCancel(context.Background())
	if err := manager.Resume(ctx); err != nil {
		log.Fatalf("failed to reconcile sessions with the container runtime: %v", err)
	}
	go manager.Run(ctx)

	puller := pull.NewOrchestrator(dockerRuntime, publishers, cfg.PullRetention)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%.8s", uuid.New().String())
		}
		c.Header("X-Request-ID", requestID)
		c.Set("requestID", requestID)
		c.Next()
	})

	router.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.AllowOrigins, ","),
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Session-ID", "X-Request-ID"},
	}))

	auth := handler.NewRedisAuthenticator(redisClient)
	h := handler.New(auth, manager, resolver, imageRepo, assignmentRepo, puller, hub)
	h.Register(router)

	// Desktop traffic bypasses the API group; the proxy path token is the
	// only credential a route needs.
	router.Any("/desktops/:token/*path", proxyRouter.Handle)

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		ReadTimeout:    0, // websocket and VNC streams stay open indefinitely
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("desktop broker listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down broker...")
	cancelLifecycle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
