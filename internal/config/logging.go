package config

import (
	"io"
	"log"

	"github.com/natefinch/lumberjack"
)

// LogConfig configures rotating file output for the standard logger.
type LogConfig struct {
	Logfile string `yaml:"logfile"`
	MaxSize int    `yaml:"max_log_size"` // megabytes
	MaxAge  int    `yaml:"max_log_age"`  // days
}

// SetLogger sends log output to a rotating log file. With no logfile the
// standard logger keeps writing to stderr and nil is returned.
func (c *LogConfig) SetLogger() io.Closer {
	if c == nil || c.Logfile == "" {
		log.Printf("[Config] Sending log messages to stderr since no log file specified")
		return nil
	}
	log.Printf("[Config] Sending log messages to: %s", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(l)
	return l
}
