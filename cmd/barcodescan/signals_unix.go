//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyActions relays the signals that control a running scan.
func notifyActions(c chan<- os.Signal) {
	signal.Notify(c, syscall.SIGUSR1, syscall.SIGUSR2)
}

// isVisibilitySignal returns whether sig toggles visibility. Other action
// signals toggle the zoom.
func isVisibilitySignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
