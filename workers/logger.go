package workers

import "edge_finder/models"

// LogFunc persists a worker log line to the run_logs table.
type LogFunc func(level models.LogLevel, component, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, component, message string) {}
