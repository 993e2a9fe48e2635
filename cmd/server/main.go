package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/clientdesk/portal/internal/chat"
	"github.com/clientdesk/portal/internal/config"
	"github.com/clientdesk/portal/internal/db"
	"github.com/clientdesk/portal/internal/docs"
	"github.com/clientdesk/portal/internal/httpapi"
	"github.com/clientdesk/portal/internal/models"
	"github.com/clientdesk/portal/internal/portal"
	"github.com/clientdesk/portal/internal/store/rabbitmq"
	"github.com/clientdesk/portal/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&chat.Job{},
		&portal.Company{},
		&portal.Project{},
		&portal.Milestone{},
		&portal.Event{},
		&docs.Document{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	// Async chat degrades to 503 when the broker is down; streaming and sync
	// chat keep working.
	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("[server] rabbit unavailable, async chat disabled: %v", err)
		rabbit = nil
	} else {
		defer rabbit.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var presigner *docs.Presigner
	if cfg.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			log.Printf("[server] gcs unavailable, document uploads disabled: %v", err)
		} else {
			defer client.Close()
			presigner = docs.NewPresigner(client, cfg.GCSBucket,
				time.Duration(cfg.UploadURLTTLMins)*time.Minute)
		}
	}

	router := httpapi.NewRouter(gdb, cfg, rds, rabbit, presigner)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	go func() {
		log.Printf("[server] listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}
