// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/cmd/version"
	"github.com/gorse-io/flavor/config"
	"github.com/gorse-io/flavor/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

var serverCommand = &cobra.Command{
	Use:   "flavor-server",
	Short: "The collaborative filtering recommendation server of flavor.",
	Run: func(cmd *cobra.Command, args []string) {
		// show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)
		// load config
		configPath, _ := cmd.PersistentFlags().GetString("config")
		log.Logger().Info("load config", zap.String("config", configPath))
		conf, err := config.LoadConfig(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}
		// setup tracing
		tp, err := conf.Tracing.NewTracerProvider()
		if err != nil {
			log.Logger().Fatal("failed to create trace provider", zap.Error(err))
		}
		otel.SetTracerProvider(tp)
		otel.SetErrorHandler(log.GetErrorHandler())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		// create server
		s, err := server.NewServer(conf)
		if err != nil {
			log.Logger().Fatal("failed to create server", zap.Error(err))
		}
		// stop server
		done := make(chan struct{})
		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
			<-sigint
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.Shutdown(ctx)
			if err := tp.Shutdown(ctx); err != nil {
				log.Logger().Error("failed to shutdown trace provider", zap.Error(err))
			}
			close(done)
		}()
		// start server
		if err = s.Serve(); err != nil {
			log.Logger().Fatal("failed to serve", zap.Error(err))
		}
		<-done
		log.Logger().Info("stop flavor-server successfully")
	},
}

func init() {
	log.AddFlags(serverCommand.PersistentFlags())
	serverCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	serverCommand.PersistentFlags().BoolP("version", "v", false, "flavor version")
	serverCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
}

func main() {
	if err := serverCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
