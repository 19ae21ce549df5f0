// Command repelgoctl is the CLI client for the repelgod daemon,
// talking to its admin HTTP API (internal/adminapi) to list, show, and
// rekey protected connections.
package main

import "github.com/kvx-labs/repelgo/cmd/repelgoctl/commands"

func main() {
	commands.Execute()
}
