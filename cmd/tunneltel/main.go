package main

import "windtunnel-telemetry/internal/cli"

func main() {
	cli.Execute()
}
