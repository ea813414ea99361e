// Command agentcored runs the coordination core: the agent/session store,
// the message broker, the turn manager, and the control surface.
package main

import (
	"github.com/jeebsjenkins/agentcore/cmd"
)

func main() {
	cmd.Execute()
}
