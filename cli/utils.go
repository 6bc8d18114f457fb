package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var warningPrefix = color.New(color.FgYellow, color.Bold)

// printf prints a message with no prefix, adding a trailing newline.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format, a...)
	if !strings.HasSuffix(format, "\n") {
		//nolint:errcheck
		fmt.Fprintln(w)
	}
}

// warningf prints a message prefixed with a yellow "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	warningPrefix.Fprint(w, "Warning")
	//nolint:errcheck
	fmt.Fprint(w, ": ")
	printf(w, format, a...)
}
