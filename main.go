package main

import (
	"visco/config"
	"visco/internal/logs"
	"visco/server"
)

func main() {
	cfg := config.MustLoad()
	app := &server.App{}
	app.Initialize(cfg)
	if err := app.Run(); err != nil {
		logs.Logger.Fatal(err)
	}
}
