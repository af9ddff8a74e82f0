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

package proxy

import (
	"strconv"
	"time"

	"github.com/packetd/proxy/common"
	"github.com/packetd/proxy/session"
	"github.com/packetd/proxy/upstream"
)

// Config 汇总了代理监听与转发行为的全部可配置项
type Config struct {
	// Address 监听地址 默认 0.0.0.0:7001
	Address string `config:"address"`

	// Backlog 监听队列长度
	Backlog int `config:"backlog"`

	// DialTimeout 连接源站的超时时间
	DialTimeout time.Duration `config:"dialTimeout"`

	// ReadTimeout / WriteTimeout 与源站通信时单次读写的超时时间
	ReadTimeout  time.Duration `config:"readTimeout"`
	WriteTimeout time.Duration `config:"writeTimeout"`

	// RetryMax 连接源站失败时的最大重试次数
	RetryMax int `config:"retryMax"`

	// PreferGzipOverDeflate 见 session.PipelineConfig
	PreferGzipOverDeflate bool `config:"preferGzipOverDeflate"`
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "0.0.0.0:" + strconv.Itoa(common.DefaultPort)
	}
	if c.Backlog <= 0 {
		c.Backlog = common.ListenBacklog
	}
	return c
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		Pipeline: session.PipelineConfig{
			PreferGzipOverDeflate: c.PreferGzipOverDeflate,
		},
		UpstreamOpts: upstream.Options{
			DialTimeout:  c.DialTimeout,
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
			RetryMax:     c.RetryMax,
		},
	}
}
