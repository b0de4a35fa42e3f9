package version

import (
	"fmt"
	"io"
)

// NOTE: these variables are injected at build time

var (
	version, gitSHA, buildTime string
)

// Version returns the injected semantic version, or "dev" for local builds.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}

func Print() {
	fmt.Printf("version=%s\nsha=%s\ntime=%s\n", Version(), gitSHA, buildTime)
}

func Fprint(w io.Writer) {
	fmt.Fprintf(w, "version=%s\nsha=%s\ntime=%s\n", Version(), gitSHA, buildTime)
}
