// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cybergrid/device-agent/agent"
	"github.com/cybergrid/device-agent/config"
	"github.com/cybergrid/device-agent/mqtt"
)

// AgentCmd is the main command that is executed when running cybergrid-agent
var AgentCmd = &cobra.Command{
	Use:   "cybergrid-agent",
	Short: "The CyberGrid device agent",
	Long:  `cybergrid-agent publishes device liveness and power measurements to an MQTT broker`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := flags.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		logLevel := log.InfoLevel
		if flags.GetBool("debug") {
			logLevel = log.DebugLevel
		}
		ctx = &log.Logger{
			Level:   logLevel,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runAgent,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runAgent(cmd *cobra.Command, args []string) {
	device, err := config.LoadDevice(flags.GetString("device-file"))
	if err != nil {
		ctx.WithError(err).Fatal("Could not load device identity")
	}
	ctx.WithField("DeviceID", device.ID).WithField("Power", device.Power).Info("Initializing CyberGrid device agent")

	store := config.NewStore(flags.GetString("config-file"), config.DefaultSettings(), ctx)
	client := mqtt.New(store, device.ID, ctx)
	deviceAgent := agent.New(device, store, client, ctx)

	if err := store.Watch(); err != nil {
		ctx.WithError(err).Fatal("Could not watch settings file")
	}
	client.Start()
	deviceAgent.Start()

	if monitoringAddress := flags.GetString("monitoring-address"); monitoringAddress != "" {
		go func() {
			ctx.WithField("Address", monitoringAddress).Info("Serving monitoring endpoint")
			if err := http.ListenAndServe(monitoringAddress, promhttp.Handler()); err != nil {
				ctx.WithError(err).Warn("Could not serve monitoring endpoint")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")

	deviceAgent.Stop()
}

func init() {
	AgentCmd.Flags().String("device-file", "device.json", "Location of the device identity file")
	AgentCmd.Flags().String("config-file", "config.yaml", "Location of the runtime settings file")
	AgentCmd.Flags().String("log-file", "", "Location of the log file")
	AgentCmd.Flags().String("monitoring-address", "", "Address to serve Prometheus metrics on (disabled when empty)")
	AgentCmd.Flags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlags(AgentCmd.Flags())
}
