// Command authchain-demo drives the authchain provider from a terminal. It
// logs in against the built-in demo accounts, keeps the session and trust
// token in a local data directory and stores MFA state in SQLite.
package main

import "os"

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
