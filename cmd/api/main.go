package main

import (
	"log"

	"github.com/tablehq/sheetserve/internal/config"
	"github.com/tablehq/sheetserve/internal/convert"
	"github.com/tablehq/sheetserve/internal/db"
	"github.com/tablehq/sheetserve/internal/httpapi"
	"github.com/tablehq/sheetserve/internal/storage"
	"github.com/tablehq/sheetserve/internal/store/rabbitmq"
	"github.com/tablehq/sheetserve/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	files, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	repo := convert.NewRepo(gdb)
	limiter := convert.NewRateLimiter(cfg.DailyJobLimit)
	svc := convert.NewService(repo, files, pub, limiter)

	r := httpapi.NewRouter(gdb, cfg, rds, svc)

	log.Printf("api listening on %s, storage=%s queue=%s", cfg.HTTPAddr, files.Root(), cfg.RabbitQueue)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
