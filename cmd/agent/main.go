package main

import (
	"flag"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/joeblew999/plat-smtp-agent/internal/config"
	"github.com/joeblew999/plat-smtp-agent/internal/server"
)

func main() {
	configFile := flag.String("f", "", "config file path (optional, env vars take precedence)")
	flag.Parse()

	logx.DisableStat()

	c, err := config.Load(*configFile)
	logx.Must(err)

	s, err := server.New(c)
	logx.Must(err)

	s.Start()
}
