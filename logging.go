package privd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Log is the global logger shared by the service and its tools.
var Log *logrus.Logger

// InitLogger configures the global logger and should be called on startup.
func InitLogger() error {
	var w io.Writer
	var err error

	logFile := viper.GetString("log_file_path")

	if logFile == "" {
		w = os.Stdout
	} else {
		w, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
	}

	logLvl, err := logrus.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	Log = &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logLvl,
	}
	return nil
}
