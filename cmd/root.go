// Copyright 2025 The packetd Authors
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

// Package cmd 实现命令行入口: 扁平的 --port/--verbose/--debug 参数面 叠加一个
// 可选的 --config 文件 承载重试/超时/压缩阈值等实现者策略配置项
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetd/proxy/internal/sigs"
	"github.com/packetd/proxy/logger"
	"github.com/packetd/proxy/proxy"
)

var cliOpts struct {
	configPath string
	port       int
	verbose    int
	debug      int
}

var rootCmd = &cobra.Command{
	Use:   "proxy",
	Short: "A bandwidth-saving HTTP/1.x forward proxy",
	Run:   run,
	Example: "  # proxy --port 7001 --verbose\n" +
		"  # proxy --config proxy.yaml --debug",
}

func init() {
	rootCmd.Flags().IntVar(&cliOpts.port, "port", 0, "Listen port, overrides --config's proxy.address port")
	rootCmd.Flags().CountVarP(&cliOpts.verbose, "verbose", "v", "Increase log verbosity (info level)")
	rootCmd.Flags().CountVarP(&cliOpts.debug, "debug", "d", "Increase log verbosity further (debug level)")
	rootCmd.Flags().StringVar(&cliOpts.configPath, "config", "", "Optional configuration file path (YAML)")
}

// Execute 是进程的命令行入口
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// verbosityLevel 把 --verbose/--debug 的计数折算成 zap 级别 per 4.A:
// 0 → warn, 1 → info, 2+ → debug
func verbosityLevel() string {
	switch total := cliOpts.verbose + 2*cliOpts.debug; {
	case total >= 2:
		return "debug"
	case total == 1:
		return "info"
	default:
		return "warn"
	}
}

func run(cmd *cobra.Command, args []string) {
	logger.SetOptions(logger.Options{Stdout: true, Level: verbosityLevel()})

	var p *proxy.Proxy
	var err error
	if cliOpts.configPath != "" {
		p, err = proxy.New(cliOpts.configPath)
	} else {
		p, err = proxy.NewDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create proxy: %v\n", err)
		os.Exit(1)
	}
	if cliOpts.port > 0 {
		p.OverridePort(cliOpts.port)
	}

	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start proxy: %v\n", err)
		os.Exit(1)
	}

	var reloadTotal int
	for {
		select {
		case <-sigs.Terminate():
			p.Stop()
			return

		case <-sigs.Reload():
			reloadTotal++
			start := time.Now()
			if err := p.Reload(); err != nil {
				logger.Errorf("failed to reload config (count=%d): %v", reloadTotal, err)
				continue
			}
			logger.Infof("reload (count=%d) took %s", reloadTotal, time.Since(start))
		}
	}
}
