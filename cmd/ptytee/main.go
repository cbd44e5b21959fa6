// Command ptytee runs a program under a pseudo-terminal and records the
// session to a raw transcript and a hash-chained JSONL event log.
package main

import "github.com/ppiankov/ptytee/internal/cli"

func main() {
	cli.ExecuteRecorder()
}
