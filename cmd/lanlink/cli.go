package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"
)

// Options holds CLI options.
type Options struct {
	ConfigPath string
	Command    string

	// connect only
	Instance string
	Addr     string
	Wait     time.Duration
}

const usage = `usage: lanlink [-config file] <command> [flags]

commands:
  listen    advertise the service and chat with whoever connects
  connect   find an advertised peer and chat with it
  browse    print peers advertising the service
`

// ParseFlags parses global flags, the command and its flags.
func ParseFlags(args []string, stderr io.Writer) (Options, error) {
	var opts Options
	fs := flag.NewFlagSet("lanlink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return opts, errors.New("missing command")
	}
	opts.Command = fs.Arg(0)
	rest := fs.Args()[1:]

	sub := flag.NewFlagSet("lanlink "+opts.Command, flag.ContinueOnError)
	sub.SetOutput(stderr)
	switch opts.Command {
	case "listen":
	case "browse":
		sub.DurationVar(&opts.Wait, "wait", 0, "Stop browsing after this long (0 runs until interrupted)")
	case "connect":
		sub.StringVar(&opts.Instance, "instance", "", "Advertised instance to connect to (default: first found)")
		sub.StringVar(&opts.Addr, "addr", "", "Dial this address directly instead of browsing")
		sub.DurationVar(&opts.Wait, "wait", 10*time.Second, "How long to browse for a peer")
	default:
		fs.Usage()
		return opts, fmt.Errorf("unknown command %q", opts.Command)
	}
	if err := sub.Parse(rest); err != nil {
		return opts, err
	}
	if sub.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", sub.Args())
	}
	return opts, nil
}
