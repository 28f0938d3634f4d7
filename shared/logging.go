package shared

import (
	"os"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies level and format to the standard logrus logger
func ConfigureLogging(cfg LoggingConfig) {
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Invalid LOG_LEVEL value: %s, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.EnableJSON || cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.AddHook(serviceNameHook{name: cfg.ServiceName})
}

type serviceNameHook struct {
	name string
}

func (h serviceNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceNameHook) Fire(entry *logrus.Entry) error {
	if h.name != "" {
		if _, ok := entry.Data["service"]; !ok {
			entry.Data["service"] = h.name
		}
	}
	return nil
}
