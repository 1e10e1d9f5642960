// Command kgen is the CLI entrypoint: lock, attest, verify, reproduce,
// bundle, ledger, policy, keygen, and rotate-keys.
package main

import "github.com/kgenhq/kgen/internal/cli"

func main() {
	cli.Execute()
}
