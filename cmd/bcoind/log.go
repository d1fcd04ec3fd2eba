// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/bityogi/bcoin/peer"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("MAIN")
	peerLog = backendLog.Logger("PEER")
)

func init() {
	peer.UseLogger(peerLog)
}

// initLogRotator initializes the logging rotator to write logs to
// logFile and create roll files in the same directory.  It must be
// called before the package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	return nil
}

// validDebugLevel returns the btclog level for the passed debug level
// string and whether it is valid.
func validDebugLevel(logLevel string) (btclog.Level, bool) {
	return btclog.LevelFromString(logLevel)
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(logLevel string) {
	level, _ := validDebugLevel(logLevel)
	mainLog.SetLevel(level)
	peerLog.SetLevel(level)
}
