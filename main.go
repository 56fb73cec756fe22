// Package main serves as the entry point for the locpipe application.
// It provides a batch LLM localization pipeline for game text: bounded batch
// partitioning, retry/fallback model calls, placeholder-safe validation, and
// resumable checkpointed progress.
package main

import "locpipe/cmd"

func main() {
	cmd.Execute()
}
