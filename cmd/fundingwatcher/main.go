package main

import "funding-grid-alerts/internal/cli"

func main() {
	cli.Execute()
}
