package loglevel

import (
	"strings"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Option returns the filter option for the level named ls, DEBUG|INFO|WARN|ERROR,
// any other name allows every level.
func Option(ls string) level.Option {
	switch strings.ToLower(strings.TrimSpace(ls)) {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn", "warning":
		return level.AllowWarn()
	case "error", "err":
		return level.AllowError()
	}

	return level.AllowAll()
}

// NewLevelFilterFromString filter the log level using the string "DEBUG|INFO|WARN|ERROR"
func NewLevelFilterFromString(next log.Logger, ls string) log.Logger {
	return level.NewFilter(next, Option(ls))
}
