package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"courier-service/broker"
	"courier-service/config"
	"courier-service/controller"
	"courier-service/database"
	"courier-service/directory"
	"courier-service/event"
	"courier-service/event/listener"
	"courier-service/logger"
	"courier-service/messenger"
	"courier-service/router"
	"courier-service/socketio"
	"courier-service/store"
	"courier-service/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier-service: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "courier-service: build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(settings, log); err != nil {
		log.Fatal("courier-service stopped", zap.Error(err))
	}
}

func run(settings config.Settings, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rest := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		AppName:               "courier-service",
	})

	rest.Use(cors.New())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := database.Open(settings, log)
	if err != nil {
		return err
	}

	enforcer, err := database.Casbin(db)
	if err != nil {
		return err
	}

	var b broker.Broker
	switch settings.Broker {
	case "memory":
		b = broker.NewMemory(256, broker.NewMetrics(registry))
		log.Warn("using the in-process broker, deliveries stay on this node")
	default:
		client, err := database.RedisConnect(ctx, settings, log)
		if err != nil {
			return err
		}
		b = broker.NewRedis(client, settings.PresenceTTL, log, broker.NewMetrics(registry))
	}
	defer b.Close()

	deps := messenger.Deps{
		Conversations: store.NewConversations(db, settings.MessagePageSize),
		Notifications: store.NewNotifications(db, settings.NotificationPageSize),
		Directory:     directory.NewGorm(db),
		Broker:        b,
		Log:           log,
	}

	var bus *event.Bus
	if settings.RabbitMQHost != "" {
		bus, err = event.RabbitMQConnect(settings, []string{
			// Connect to queues
			event.QueueAPI,
			event.QueueBackoffice,
		}, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		deps.Events = bus
	}

	svc := messenger.New(deps)

	if bus != nil {
		// Run "api" listener
		api := listener.NewApi(svc.Notifications(), log)
		go api.Run(ctx)

		// Subscribe listener channel to "api" events
		bus.Listen(event.QueueAPI, api.Channel)
		if err := bus.Subscribe(ctx, event.QueueAPI); err != nil {
			return err
		}

		go func() {
			if err := bus.Replay(ctx); err != nil {
				log.Warn("event replay failed", zap.Error(err))
			}
		}()
	}

	authorizer := utils.NewAuthorizer(settings.CapabilityKey, settings.CapabilityTokenTTL)
	handlers := controller.New(svc, authorizer, settings.RequestTimeout, log)

	gateway := socketio.Init(rest, b, authorizer, settings.SocketDebug, log)

	router.Rest(rest, handlers, router.RestOptions{
		JWTAccessKey: settings.JWTAccessKey,
		Enforcer:     enforcer,
		Metrics:      registry,
	})
	router.Socket(gateway, log)

	go func() {
		if err := rest.Listen(fmt.Sprintf(":%s", settings.ServerPort)); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()
	log.Info("courier-service listening", zap.String("port", settings.ServerPort))

	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	log.Info("shutting down")
	cancel()
	gateway.Close()
	return rest.Shutdown()
}
