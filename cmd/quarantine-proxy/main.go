// Command quarantine-proxy runs the adaptive-quarantine reverse proxy.
package main

import "github.com/joeycumines/quarantine-proxy/cmd/quarantine-proxy/cmd"

func main() {
	cmd.Execute()
}
