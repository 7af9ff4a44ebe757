// Package source provides graph producers that read from the local
// filesystem: recursive directory walks, glob matches and delimited text
// files. Each one emits its records downstream with Scatter when the graph
// runs it.
package source
