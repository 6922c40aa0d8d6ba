package cluster

import (
	"fmt"
	"os"
	"strings"
)

// Shebang starts every generated script.
const Shebang = "#!/bin/bash\n"

// ScratchSetup creates the node-local scratch directory. Only the scheduler
// backends render it; local jobs never see $LOCAL_SCRATCH.
const ScratchSetup = "mkdir -p $LOCAL_SCRATCH\n"

// Postamble captures the command's exit code, prints a completion timestamp
// and reports a non-zero exit on stderr, which the schedulers redirect into
// <name>.cluster.err.
const Postamble = `exitcode=$?
echo Done
date +'%d-%H:%M:%S'
if [[ $exitcode != 0 ]]; then
    echo Exited with code: $exitcode >&2
fi
`

// Preamble renders the module loads followed by the directory change, a
// start timestamp and the job announcement. Modules must be nil for local
// jobs; there is no module system to load from.
func Preamble(dir, name string, modules []string) string {
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "module load %s\n", m)
	}
	fmt.Fprintf(&b, "cd %s\n", dir)
	b.WriteString("date +'%d-%H:%M:%S'\n")
	fmt.Fprintf(&b, "echo \"Running %s\"\n", name)
	return b.String()
}

// WriteScript joins parts and writes them to path, replacing any existing
// file.
func WriteScript(path string, parts ...string) error {
	content := strings.Join(parts, "")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("write script %s: %w", path, err)
	}
	return nil
}
