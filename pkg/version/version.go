// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version tags built binaries with version metadata.
//
// Two pieces of metadata are tracked:
//   - Version: version number, by convention the output of 'git describe'
//   - Build:   build id, by convention the git SHA1 the binary was built from.
//
// Both are overridden at link time, for instance:
//
//	LDFLAGS=-ldflags //	  "-X=github.com/intel/fluidmem/pkg/version.Version=<version> //	   -X=github.com/intel/fluidmem/pkg/version.Build=<build-id>"
package version

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Default values of variables we'll override with the linker.
var (
	// Version is our version as given by 'git describe'.
	Version = "unknown"
	// Build is the SHA1 of the repository we've been built from.
	Build = "unknown"
)

// PrintVersionInfo prints version information about this binary.
func PrintVersionInfo() {
	WriteVersionInfo(os.Stdout)
}

// WriteVersionInfo writes version information about this binary to w.
func WriteVersionInfo(w io.Writer) {
	fmt.Fprintf(w, "%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(w, "  - version: %s\n", Version)
	fmt.Fprintf(w, "  - build:   %s\n", Build)
}

// version hooks into flag.Value.Set of -version during command line parsing.
type version struct{}

// IsBoolFlag tells flag that we only have optional arguments.
func (version) IsBoolFlag() bool {
	return true
}

// Set prints version information and exits if the flag is true.
func (version) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		PrintVersionInfo()
		os.Exit(0)
	}
	return nil
}

func (version) String() string {
	return "false"
}

// RegisterFlag puts a -version option in place in the given FlagSet.
func RegisterFlag(fs *flag.FlagSet) {
	fs.Var(version{}, "version", "Print version information about "+filepath.Base(os.Args[0]))
}

func init() {
	RegisterFlag(flag.CommandLine)
}
