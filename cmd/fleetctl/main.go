// Command fleetctl manages rulebook process parents from the command
// line. It operates directly against the orchestrator's database:
// lifecycle commands file durable requests that the orchestrator's
// dispatch loop picks up.
package main

import "github.com/rulefleet/rulefleet/cmd/fleetctl/cmd"

func main() {
	cmd.Execute()
}
