// Package main is the entry point for the VM power agent.
// The agent reconciles VM power state against declared schedules to stop
// paying for compute nobody is using.
package main

import (
	"os"

	"github.com/softcane/vm-power-agent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
