// Binary portod is the daemon entry point: a thin google/subcommands
// dispatcher around the run/stage1/stage2/version subcommands,
// mirroring runsc/cli's Main() wiring style but scoped to the
// container daemon's own process lifecycle rather than a full OCI CLI
// (the interactive client is out of scope, see SPEC_FULL.md).
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/portod/portod-go/internal/launcher"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(versionCmd), "")
	// The daemon re-execs itself over /proc/self/exe with these two
	// argv[1] values (see internal/launcher.Launch/spawnStage2);
	// registering them as ordinary subcommands lets the same flag
	// package dispatch handle both the operator-facing "run" and the
	// re-exec'd stage intermediates without a separate argv[1] switch
	// ahead of subcommands.Execute.
	subcommands.Register(&stageCmd{name: launcher.Stage1Arg, run: launcher.RunStage1}, "")
	subcommands.Register(&stageCmd{name: launcher.Stage2Arg, run: launcher.RunStage2}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
