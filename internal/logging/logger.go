// Package logging constructs the zap loggers used across every service
// binary in the graph identity and mutation core.
package logging

import "go.uber.org/zap"

// New builds a production logger unless dev is true, in which case it
// builds a human-readable development logger. Both are named after the
// calling service so log lines are attributable when several services run
// in the same process (as in cmd/monolith).
func New(service string, dev bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Named(service), nil
}
