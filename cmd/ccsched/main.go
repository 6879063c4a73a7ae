// Command ccsched is the scheduler daemon and its control CLI,
// bundled into a single binary the way the corpus's other services
// ship one cobra root command with a long-running "serve" subcommand
// alongside short-lived client subcommands.
package main

func main() {
	Execute()
}
