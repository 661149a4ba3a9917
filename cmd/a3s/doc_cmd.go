package main

import (
	"os"

	"github.com/alecthomas/kong"
)

// DocCmd prints the full command reference as markdown, using
// markdownHelpPrinter in place of kong's default plain-text printer.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("a3s"),
		kong.Description(description),
		kong.Writers(os.Stdout, os.Stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := kong.Trace(parser, []string{"--help"})
	if err != nil {
		return err
	}
	return markdownHelpPrinter(kong.HelpOptions{}, kctx)
}
