// Package version carries the hopguard build identity.
//
// The values are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/hopguard/version.Version=1.0.0 -X github.com/go-i2p/hopguard/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "fmt"

// Version is the software version. Development builds report "dev".
var Version = "dev"

// GitCommit is the short commit hash, empty when unknown.
var GitCommit = ""

// BuildTime is the UTC build timestamp, empty when unknown.
var BuildTime = ""

// Full returns the version with commit and build time appended when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// UserAgent returns the identifier sent to the RPC clients and logged at startup.
func UserAgent() string {
	return fmt.Sprintf("hopguard/%s", Version)
}
