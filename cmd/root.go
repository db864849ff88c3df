// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// Execute is called by main.go
func Execute() {
	defer func() {
		if thePanic := recover(); thePanic != nil && ctx != nil {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, false)
			ctx.WithField("panic", thePanic).WithField("stack", string(buf[:n])).Fatal("Stopping because of panic")
		}
	}()

	if err := AgentCmd.Execute(); err != nil {
		if ctx != nil {
			ctx.WithError(err).Error("cybergrid-agent failed")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}
