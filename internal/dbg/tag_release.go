//go:build !debug

package dbg

const debugBuild = false
