package main

import (
	"os"
)

// notifyActions does nothing, Windows has no user signals.
func notifyActions(c chan<- os.Signal) {}

func isVisibilitySignal(sig os.Signal) bool {
	return false
}
