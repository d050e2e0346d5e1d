package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "0.1.0-dev"

const usage = `usage: narrator <command> [flags]

commands:
  generate <script>            narrate a .docx or .txt script
  list                         show the parts of a session
  approve <part>               approve (or -reject) a part
  regenerate <part>            synthesize a part again, optionally with -text
  export <part> <destination>  copy one part's audio
  finalize                     write the master track and individual files
  events                       show the recorded session timeline
  version                      print the version`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 on failure and 2 on usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	if args[0] == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		fmt.Fprintln(stderr, usage)
		return 2
	}
	return cmd(ctx, args[1:], stdout, stderr)
}
