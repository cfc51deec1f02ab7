// Command docforge is the distributed document-ingestion pipeline's
// entry point: coordinator, worker, deadletter, and queue subcommands
// live in package cli.
package main

import "github.com/evalgo/docforge/cli"

func main() {
	cli.Execute()
}
