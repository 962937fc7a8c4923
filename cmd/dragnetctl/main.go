// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dragnetctl administers a running dragnetd over its control socket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/dragnet/internal/ctlplane"
	"grimm.is/dragnet/internal/rules"
)

func main() {
	socket := flag.String("socket", "", "Control socket path (default "+ctlplane.DefaultSocketPath+")")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "ping":
		err = runPing(*socket)
	case "version":
		err = runVersion(*socket)
	case "stats":
		err = runStats(*socket)
	case "flows":
		err = runFlows(*socket, args[1:])
	case "publish":
		err = runPublish(*socket, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "dragnetctl: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dragnetctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: dragnetctl [-socket path] <command> [args]

Commands:
  ping                             Check the daemon is answering
  version                          Print the active rule set version
  stats                            Dump engine counters as JSON
  flows [-state s] [-limit n]      List tracked flows
  publish [-f file] [pattern ...]  Replace the active rule set
  publish -clear                   Publish an empty set, pausing scanning
`)
}

func runPing(socket string) error {
	c, err := ctlplane.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	version, err := c.Ping()
	if err != nil {
		return err
	}
	fmt.Printf("pong (rule version %d)\n", version)
	return nil
}

func runVersion(socket string) error {
	c, err := ctlplane.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	version, err := c.Version()
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func runStats(socket string) error {
	c, err := ctlplane.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	stats, err := c.Stats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runFlows(socket string, args []string) error {
	fs := flag.NewFlagSet("flows", flag.ExitOnError)
	state := fs.String("state", "", "Filter by state: unseen, scanning or matched")
	limit := fs.Int("limit", 100, "Maximum flows to list")
	fs.Parse(args)

	c, err := ctlplane.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	flows, err := c.Flows(*state, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FLOW\tSTATE\tPKTS\tBYTES\tRULE\tAGE")
	for _, f := range flows {
		ruleVer := "-"
		if f.RuleVersion != 0 {
			ruleVer = fmt.Sprintf("v%d", f.RuleVersion)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			f.Flow, f.State, f.Packets, f.Bytes, ruleVer,
			time.Since(f.LastSeen).Round(time.Second))
	}
	return w.Flush()
}

func runPublish(socket string, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	file := fs.String("f", "", "YAML rule file to publish")
	clearSet := fs.Bool("clear", false, "Publish an empty set, pausing scanning")
	fs.Parse(args)

	var patterns []string
	switch {
	case *clearSet:
		if *file != "" || fs.NArg() > 0 {
			return fmt.Errorf("-clear cannot be combined with patterns")
		}
	case *file != "":
		var err error
		patterns, err = rules.LoadFile(*file)
		if err != nil {
			return err
		}
		patterns = append(patterns, fs.Args()...)
	case fs.NArg() > 0:
		patterns = fs.Args()
	default:
		return fmt.Errorf("publish needs -f, patterns, or -clear")
	}

	c, err := ctlplane.Dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	version, err := c.Publish(patterns)
	if err != nil {
		return err
	}
	fmt.Printf("published version %d (%d patterns)\n", version, len(patterns))
	return nil
}
