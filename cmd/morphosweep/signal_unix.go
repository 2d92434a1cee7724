//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySignals routes SIGINT and SIGTERM to ch.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}

func stopSignals(ch chan<- os.Signal) {
	signal.Stop(ch)
}
