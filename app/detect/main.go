// Command detect trains, evaluates and packages a grid detector on a
// YOLO-layout dataset, optionally as one of several cooperating processes.
package main

import (
	"fmt"
	"io"
	"os"
	"time"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	start := time.Now()
	fmt.Fprintln(stdout, "Started at Date and Time:", start.Format(time.DateTime))

	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()

	end := time.Now()
	fmt.Fprintln(stdout, "Finished at Date and Time:", end.Format(time.DateTime))
	fmt.Fprintln(stdout, "Code execution time:", formatElapsed(end.Sub(start)))

	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}
	return 0
}

// formatElapsed renders d as "<days> Days HH:MM:SS".
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	days := s / 86400
	s %= 86400
	return fmt.Sprintf("%d Days %02d:%02d:%02d", days, s/3600, s%3600/60, s%60)
}
