/*
CLI for rdtp file transfers
*/
package main

import (
	"github.com/mrcgq/rdtp/cmd/rdtp-client/commands"
)

func main() {
	commands.Execute()
}
