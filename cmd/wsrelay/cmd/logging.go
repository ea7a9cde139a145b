package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
)

// configureLogging sets the level, format and output of the standard logger.
// Output to a file goes through a reopenable writer, returned so that the
// caller can reopen it after log rotation; for stdout it is nil.
func configureLogging(level, format, file string) (*reopen.FileWriter, error) {

	lvl, err := log.ParseLevel(strings.ToLower(level))

	if err != nil {
		return nil, fmt.Errorf("WS_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not %s", level)
	}

	var formatter log.Formatter

	switch strings.ToLower(format) {
	case "json":
		formatter = &log.JSONFormatter{}
	case "text":
		formatter = &log.TextFormatter{}
	default:
		return nil, fmt.Errorf("WS_LOG_FORMAT can be json or text but not %s", format)
	}

	var out io.Writer = os.Stdout
	var fw *reopen.FileWriter

	if strings.ToLower(file) != "stdout" {

		fw, err = reopen.NewFileWriter(file)

		if err != nil {
			return nil, fmt.Errorf("cannot log to %s: %w", file, err)
		}

		out = fw
	}

	log.SetLevel(lvl)
	log.SetFormatter(formatter)
	log.SetOutput(out)

	return fw, nil
}

// redact shows only the ends of a secret
func redact(secret string) string {
	if len(secret) < 12 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
