package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/conversation"
	"voicegate-server/pkg/directory"
	"voicegate-server/pkg/email"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/orchestrator"
	"voicegate-server/pkg/session"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)

	if cfg.Metrics.Enabled {
		metrics.Init(logger)
	}

	registry := session.NewRegistry(logger, session.RegistryConfig{
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		SessionTimeout:        cfg.Session.SessionTimeout,
		SweepInterval:         cfg.Session.SweepInterval,
	})

	store := directory.NewMemoryStore()
	if cfg.Directory.FilePath != "" {
		if _, err := os.Stat(cfg.Directory.FilePath); os.IsNotExist(err) {
			logger.WithField("path", cfg.Directory.FilePath).
				Warn("Directory file not found, starting with an empty staff directory")
		} else {
			loaded, err := directory.LoadFile(store, cfg.Directory.Partition, cfg.Directory.FilePath)
			if err != nil {
				logger.WithError(err).Fatal("Failed to load staff directory")
			}
			logger.WithField("entries", loaded).Info("Staff directory loaded")
		}
	}
	resolver := directory.NewResolver(logger, store, directory.ResolverConfig{
		Partition:        cfg.Directory.Partition,
		MinScore:         cfg.Directory.MinScore,
		ConfirmThreshold: cfg.Directory.ConfirmThreshold,
		AutoAuthorize:    cfg.Directory.AutoAuthorize,
		CacheTTL:         cfg.Directory.CacheTTL,
		CacheSize:        cfg.Directory.CacheSize,
	})

	sender := buildSender(cfg)

	publisher := messaging.NewPublisher(logger, messaging.PublisherConfig{
		URL:        cfg.Messaging.AMQPURL,
		QueueName:  cfg.Messaging.QueueName,
		RoutingKey: cfg.Messaging.RoutingKey,
	})
	if err := publisher.Connect(); err != nil {
		// Event publishing is best-effort; the server still takes calls
		logger.WithError(err).Warn("Call event publishing unavailable")
	}
	defer publisher.Close()

	orch := orchestrator.New(logger, cfg, registry, resolver, sender, publisher)
	registry.StartSweeper()
	defer registry.Stop()

	server := orchestrator.NewServer(logger, orch, cfg.HTTP.ListenAddr, cfg.Metrics)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.WithError(err).Fatal("Server failed")
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown did not complete cleanly")
	}
	logger.Info("Shutdown complete")
}

// buildSender wires the SMTP gateway, or a logging stand-in when mail is not
// configured so local runs still work end to end
func buildSender(cfg *config.Config) conversation.MessageSender {
	if cfg.Email.SMTPHost == "" {
		logger.Warn("SMTP not configured, caller messages will only be logged")
		return logSender{}
	}

	gateway, err := email.NewSMTPGateway(logger, email.SMTPConfig{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		Username:    cfg.Email.Username,
		Password:    cfg.Email.Password,
		FromAddress: cfg.Email.FromAddress,
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid SMTP configuration")
	}
	return gateway
}

type logSender struct{}

func (logSender) Send(ctx context.Context, recipient, subject, body string) error {
	logger.WithFields(logrus.Fields{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	}).Info("Message (SMTP disabled)")
	return nil
}
