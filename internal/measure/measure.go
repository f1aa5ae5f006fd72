// Package measure reports elapsed-time progress for the authoring
// pipeline's stages (GPT layout, per-partition FAT32 population) on an
// interactive terminal, staying silent otherwise.
package measure

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage prints status while a pipeline stage (e.g. "configuring GPT",
// "populating EFI") runs, and the elapsed time once the returned done
// function is called. On a non-terminal stdout (CI logs, redirected
// output) it is a silent no-op: progress spinners are noise in a log file.
func Stage(status string) (done func(fragment string)) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return func(string) {}
	}
	status = "[" + status + "]"
	fmt.Print(status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		fmt.Printf("\r[done] in %.2fs%s"+strings.Repeat(" ", len(status))+"\n",
			elapsed.Seconds(),
			fragment)
	}
}
