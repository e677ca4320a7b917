package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

// stageCmd adapts one of launcher.RunStage1/RunStage2 to
// subcommands.Command. Its Name is the re-exec argv[1] value the
// launcher package already agrees on (launcher.Stage1Arg/Stage2Arg),
// so /proc/self/exe <name> dispatches here without any argument
// parsing beyond what subcommands already does.
type stageCmd struct {
	name string
	run  func() int
}

func (s *stageCmd) Name() string           { return s.name }
func (s *stageCmd) Synopsis() string       { return "internal re-exec stage, not for direct use" }
func (s *stageCmd) Usage() string          { return s.name + "\n" }
func (s *stageCmd) SetFlags(*flag.FlagSet) {}

func (s *stageCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	return subcommands.ExitStatus(s.run())
}
