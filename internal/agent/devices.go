package agent

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"sdwear-agent/internal/config"
	"sdwear-agent/internal/system"
)

// PrintDevices writes the block devices found under the dev root, one per
// line. The heading is only printed for terminals so the list stays usable
// in scripts.
func PrintDevices(w io.Writer, cfg config.Config) error {
	nodes, err := system.NewSysfsSource(cfg.SysfsRoot, cfg.DevRoot).FindDevices()
	if err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(w, "Block devices:")
		for _, n := range nodes {
			fmt.Fprintf(w, "- %s\n", n)
		}
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintln(w, n)
	}
	return nil
}
