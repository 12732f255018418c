// Package main is the single-binary entrypoint for gridshare.
// gridshare balances a BOINC project's dispatch weights toward fair credit shares.
package main

import "github.com/gridshare/gridshare/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
