package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/app"
	"github.com/suPer8Hu/taskflow/internal/config"
	"github.com/suPer8Hu/taskflow/internal/db"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/store/rabbitmq"
	"github.com/suPer8Hu/taskflow/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.Init(cfg.Environment, cfg.LogLevel)

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		log.WithError(err).Fatal("worker: migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	svc, err := app.NewChatService(ctx, cfg, gdb, log, m)
	if err != nil {
		log.WithError(err).Fatal("worker: chat service")
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.WithError(err).Fatal("worker: rabbit publisher")
	}
	defer pub.Close()

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.WithError(err).Fatal("worker: rabbit consumer")
	}
	defer consumer.Close()

	h := worker.NewHandler(svc, pub)
	h.Log = log.WithField("component", "worker")
	h.Metrics = m

	log.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	for ctx.Err() == nil {
		jobs, err := consumer.Jobs(ctx)
		if err != nil {
			log.WithError(err).Fatal("worker: consume")
		}
		worker.Pool(ctx, jobs, concurrency, h.Handle)
		if ctx.Err() == nil {
			// broker closed the channel; give it a moment before re-subscribing
			log.Warn("worker: delivery channel closed")
			time.Sleep(time.Second)
		}
	}
	log.Info("worker shutting down")
}
