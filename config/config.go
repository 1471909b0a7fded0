package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("XUM_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("XUM_DEBUG") == "true"
}

// GetDBFolderPath returns the folder holding the x-ui database this tool
// manages. The database belongs to the runtime vendor; we only attach to it.
func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("XUM_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/x-ui"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/x-ui.db", GetDBFolderPath())
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("XUM_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

// GetXrayAPIPort returns the grpc API port of the running xray instance.
// Zero disables hot-applying changes; callers then rely on a runtime reload.
func GetXrayAPIPort() int {
	v := os.Getenv("XUM_XRAY_API_PORT")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// GetBatchSize returns the number of clients applied per provisioning chunk.
func GetBatchSize() int {
	return getPositiveInt("XUM_BATCH_SIZE", 100)
}

// GetMaxBulkCount returns the largest client count accepted for one job.
func GetMaxBulkCount() int {
	return getPositiveInt("XUM_MAX_BULK_COUNT", 5000)
}

func getPositiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
