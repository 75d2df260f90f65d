// Package bootstrap builds the long-lived components shared by the command
// line tool and the server from configuration.
package bootstrap

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/pkg/classifier"
	"github.com/arnvptl/BlueLock/pkg/config"
	"github.com/arnvptl/BlueLock/pkg/ledger"
	"github.com/arnvptl/BlueLock/pkg/pipeline"
	"github.com/arnvptl/BlueLock/pkg/publish"
	"github.com/arnvptl/BlueLock/pkg/visualization"
)

// InitLogger initializes the logger with the appropriate level and format.
func InitLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

// Classifier returns the configured classifier, or nil when disabled.
func Classifier(cfg *config.Config) classifier.Classifier {
	if !cfg.Classifier.Enabled {
		return nil
	}
	return classifier.NewRemote(cfg.Classifier.ModelURL, cfg.Classifier.InputSize, cfg.ClassifierTimeout())
}

// Analyzer builds the analyzer with its classifier and, when processed
// images are saved, a visualization renderer.
func Analyzer(cfg *config.Config, logger logrus.FieldLogger) (*pipeline.Analyzer, error) {
	a, err := pipeline.NewAnalyzer(cfg, Classifier(cfg), logger)
	if err != nil {
		return nil, err
	}
	if cfg.Output.SaveProcessedImages {
		a.SetRenderer(visualization.NewViewer(cfg.Output.ProcessedDir))
	}
	return a, nil
}

// Ledger returns a ledger client, or nil when the ledger is disabled.
func Ledger(cfg *config.Config, logger logrus.FieldLogger) *ledger.Client {
	if !cfg.Ledger.Enabled {
		return nil
	}
	return ledger.NewClient(ledger.Options{
		BaseURL:    cfg.Ledger.BaseURL,
		APIKey:     cfg.Ledger.APIKey,
		MaxRetries: cfg.Ledger.MaxRetries,
		RetryDelay: cfg.LedgerRetryDelay(),
		Timeout:    cfg.LedgerTimeout(),
	}, logger)
}

// Publisher returns a Kafka publisher, or a no-op one when publishing is
// disabled.
func Publisher(cfg *config.Config, logger logrus.FieldLogger) (publish.Publisher, error) {
	if !cfg.Publish.Enabled {
		return publish.Nop{}, nil
	}
	return publish.NewKafkaPublisher(publish.Options{
		BootstrapServers: cfg.Publish.BootstrapServers,
		Topic:            cfg.Publish.Topic,
		ClientID:         cfg.Publish.ClientID,
	}, logger)
}
