package main

// version, commit, and date are set via -ldflags at build time; left as
// "dev" defaults for local builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
