package main

import (
	"os"

	"github.com/taskgridproject/taskgrid/cmd/scheduler/cmd"
	"github.com/taskgridproject/taskgrid/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
