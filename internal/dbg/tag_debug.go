//go:build debug

package dbg

const debugBuild = true
