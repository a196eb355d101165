// Command modrunctl is the CLI driver for the module runtime: given a
// module identifier and an optional descriptor, it builds a module tree and
// runs its prepare/start/stop lifecycle to completion.
package main

func main() {
	Execute()
}
