package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tablehq/sheetserve/internal/config"
	"github.com/tablehq/sheetserve/internal/convert"
	"github.com/tablehq/sheetserve/internal/db"
	"github.com/tablehq/sheetserve/internal/email"
	"github.com/tablehq/sheetserve/internal/models"
	"github.com/tablehq/sheetserve/internal/storage"
	"github.com/tablehq/sheetserve/internal/store/rabbitmq"
	"github.com/tablehq/sheetserve/internal/store/redisstore"
	"gorm.io/gorm"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// emailNotifier mails the job owner once a conversion reaches a
// terminal state.
type emailNotifier struct {
	db   *gorm.DB
	smtp email.SMTPConfig
}

func (n *emailNotifier) JobFinished(ctx context.Context, job *convert.Job) {
	if !n.smtp.Enabled() {
		return
	}
	var user models.User
	if err := n.db.WithContext(ctx).First(&user, job.UserID).Error; err != nil {
		log.Printf("notify: load user %d: %v", job.UserID, err)
		return
	}

	var subject, body string
	if job.Status == convert.StatusCompleted {
		subject = "Your conversion is ready"
		body = fmt.Sprintf("Hello %s,\n\nYour file %q has been converted to %s and is ready for download.\n\nBest regards,\nSheetServe\n",
			user.Username, job.OriginalFilename, job.Format)
	} else {
		reason := "an unknown error"
		if job.Error != nil {
			reason = *job.Error
		}
		subject = "Your conversion failed"
		body = fmt.Sprintf("Hello %s,\n\nUnfortunately the conversion of %q failed: %s\n\nBest regards,\nSheetServe\n",
			user.Username, job.OriginalFilename, reason)
	}

	go func(to string) {
		if err := email.SendText(n.smtp, to, subject, body); err != nil {
			log.Printf("notify: send to %s: %v", to, err)
		}
	}(user.Email)
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	files, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	repo := convert.NewRepo(gdb)
	invoker := convert.NewProcessInvoker(cfg.ConverterPath, cfg.ConverterTimeout())
	notifier := &emailNotifier{db: gdb, smtp: email.SMTPConfig{
		Host: cfg.SMTPHost, Port: cfg.SMTPPort,
		User: cfg.SMTPUser, Pass: cfg.SMTPPass, From: cfg.SMTPFrom,
	}}
	orch := convert.NewOrchestrator(repo, invoker, files, cfg.ConverterPath, cfg.GraceDelay, rds, notifier)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d converter=%s timeout=%s",
		cfg.RabbitQueue, concurrency, cfg.ConverterPath, cfg.ConverterTimeout())

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false) // to the DLQ
					continue
				}

				start := time.Now()
				if err := orch.Process(ctx, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
				} else {
					log.Printf("worker=%d job %s done cost=%s", workerID, m.JobID, time.Since(start))
				}

				// Single-attempt delivery: every fault is already
				// recorded on the job, so the message is always
				// consumed rather than redelivered.
				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
