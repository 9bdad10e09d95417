package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pressgraph/backend/internal/queue"
	"github.com/pressgraph/backend/internal/util"
	"github.com/pressgraph/backend/pkg/kb"
	"github.com/pressgraph/backend/pkg/logger"
	"github.com/pressgraph/backend/pkg/logger/console"
	nerhugot "github.com/pressgraph/backend/pkg/ner/hugot"
	"github.com/pressgraph/backend/pkg/normalize"
	"github.com/pressgraph/backend/pkg/pipelock"
	"github.com/pressgraph/backend/pkg/resolve"
	"github.com/pressgraph/backend/pkg/store/postgres"
)

const maxRetries = 10

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Init pgx client
	pgConn, err := util.RetryWithContext(ctx, 5, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// NER extractor
	extractor, err := nerhugot.NewExtractor(nerhugot.ExtractorParams{
		ModelPath: util.GetEnv("NER_MODEL_PATH"),
		ModelID:   util.GetEnvString("NER_MODEL_ID", "ner-default"),
	})
	if err != nil {
		logger.Fatal("Failed to load NER model", "err", err)
	}
	defer extractor.Close()

	// Knowledge base client
	kbClient := kb.NewClient(kb.ClientParams{
		Endpoint: util.GetEnvString("KB_ENDPOINT", ""),
		Language: util.GetEnvString("KB_LANGUAGE", "ru"),
	})

	storage := postgres.NewStore(pgConn)
	engine := resolve.NewEngine(resolve.EngineParams{
		Store:      storage,
		KB:         kbClient,
		Normalizer: normalize.New(normalize.NewDictMorph(nil)),
		ModelID:    extractor.ModelID(),
		KBParallel: util.GetEnvInt("KB_PARALLEL", 4),
	})
	guard := pipelock.NewGuard(pipelock.GuardParams{
		Pool: pgConn,
		TTL:  time.Duration(util.GetEnvInt("LOCK_TTL_SECONDS", 300)) * time.Second,
	})

	pipeline := &queue.ResolvePipeline{
		Storage:            storage,
		Extractor:          extractor,
		Engine:             engine,
		Guard:              guard,
		MinSummaryMentions: util.GetEnvInt("NER_MIN_SUMMARY_MENTIONS", 2),
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	// Periodically enqueue a batch so pending documents do not wait for
	// a manual trigger. Disabled when the interval is zero.
	if interval := util.GetEnvInt("RESOLVE_INTERVAL_MINUTES", 0); interval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(interval) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					msg, _ := json.Marshal(queue.ResolveJobMsg{Message: "Scheduled batch"})
					err := util.RetryErr(3, func() error {
						return queue.PublishFIFO(ch, queue.ResolveQueue, msg)
					})
					if err != nil {
						logger.Error("Failed to enqueue scheduled batch", "err", err)
					}
				}
			}
		}()
	}

	logger.Info("Listening for messages")

	// One message at a time; resolution batches must not overlap on a
	// single worker.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		go func(qName string) {
			msgs, err := consumerCh.Consume(
				qName,
				qName+"_consumer",
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.ResolveQueue:
					processingErr = pipeline.Process(ctx, string(qm.msg.Body))
				}

				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					handleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Second).String())
				logger.Info("Waiting for next message")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// After the retry budget is spent the message goes to the DLQ.
	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
