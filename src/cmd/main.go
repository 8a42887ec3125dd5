package main

import (
	cfg "snapup/src/configuration"
	server "snapup/src/server"
)

func main() {
	config := cfg.ReadProperties()
	server.RunServer(config)
}
