// Command ptyteectl verifies, replays, ships and rolls up ptytee transcripts.
package main

import "github.com/ppiankov/ptytee/internal/cli"

func main() {
	cli.Execute()
}
