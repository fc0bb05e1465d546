// Package version holds the build information of the batchmigrate binary.
package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

// Package is the overall, canonical project import path under which the package was built.
var Package = "github.com/tigrisdata/batchmigrate"

// Version indicates which version of the binary is running. This is set to the latest release tag by hand, always
// suffixed by "+unknown". During build, it will be replaced by the actual version. The value here will be used if
// the binary is run after a go get based install.
var Version = "v0.0.0+unknown"

// Revision is filled with the VCS (e.g. git) revision being used to build the program at linking time.
var Revision = ""

// BuildTime is filled with the build date at linking time.
var BuildTime = ""

// FprintVersion outputs the version string to the writer, in the following format, followed by a newline:
//
//	<cmd> <project> <version> <revision>
func FprintVersion(w io.Writer) {
	_, _ = fmt.Fprintln(w, os.Args[0], Package, Version, Revision, runtime.Version())
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
