package common

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func SetLogFormat(format string) {
	if format != "" && format != "text" && format != "json" {
		logrus.WithFields(logrus.Fields{"format": format}).Warn("Unknown log format specified, using text. Possible options are json and text.")
	}

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		// the debugger is interactive, short timestamps read better on a console
		formatter := &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		}
		logrus.SetFormatter(formatter)
	}
}

func SetLogLevel(ll string) {
	if ll == "" {
		ll = "info"
	}

	logLevel, err := logrus.ParseLevel(ll)
	if err != nil {
		logrus.WithFields(logrus.Fields{"level": ll}).Warn("Could not parse log level, setting to INFO")
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	// the tunnel listener is a gin engine, keep it quiet unless debugging
	gin.SetMode(gin.ReleaseMode)
	if logLevel == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	}
}

// SetLogDest sends logs to stderr or appends them to the file at path.
func SetLogDest(to string) {
	logrus.SetOutput(os.Stderr)
	if to == "" || to == "stderr" {
		return
	}

	f, err := os.OpenFile(to, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"path": to}).Error("cannot open log file, defaulting to stderr")
		return
	}
	logrus.SetOutput(f)
}
