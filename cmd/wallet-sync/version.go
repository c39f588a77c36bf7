package main

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set by -ldflags at release time. Unset values fall back to the module build info.
var version, commit, date string

type buildInfo struct {
	Version  string
	Revision string
	Time     string
	Modified bool
	Go       string
}

func readBuildInfo() buildInfo {
	b := buildInfo{Version: version, Revision: commit, Time: date}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	b.Go = info.GoVersion
	if b.Version == "" && info.Main.Version != "" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Revision == "" {
				b.Revision = s.Value
			}
		case "vcs.time":
			if b.Time == "" {
				b.Time = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func (b buildInfo) write(out io.Writer) {
	v := b.Version
	if v == "" {
		v = "(devel)"
	}
	fmt.Fprintf(out, "wallet-sync %s", v)
	if b.Revision != "" {
		rev := b.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		fmt.Fprintf(out, " commit %s", rev)
		if b.Modified {
			fmt.Fprint(out, "+dirty")
		}
	}
	if b.Time != "" {
		fmt.Fprintf(out, " built %s", b.Time)
	}
	if b.Go != "" {
		fmt.Fprintf(out, " %s", b.Go)
	}
	fmt.Fprintln(out)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		readBuildInfo().write(cmd.OutOrStdout())
		return nil
	},
}
