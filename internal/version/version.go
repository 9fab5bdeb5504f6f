// Package version holds the build version, set with -ldflags at release.
package version

var Version = "0.1.0-dev"
