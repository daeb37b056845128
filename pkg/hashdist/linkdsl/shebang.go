package linkdsl

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/hashdist/hashdist/internal/textwrap"
)

// multiLineShebangTemplate is the relocatable replacement for a plain
// "#!/path/to/interpreter" line: it re-execs the script under a profile's
// interpreter at runtime instead of baking in a build-time absolute path
// (spec.md §4.8 "used to make artifacts relocatable").
const multiLineShebangTemplate = `#!/bin/sh
"true" '''\'
exec "%s" "$0" "$@"
'''
`

// RewriteShebang replaces content's leading "#!/..." line with the
// multi-line form that resolves interpreterPath at runtime, or returns
// content unchanged if it has no shebang.
func RewriteShebang(content []byte, interpreterPath string) []byte {
	if !bytes.HasPrefix(content, []byte("#!")) {
		return content
	}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return content
	}
	rest := content[len(scanner.Bytes()):]
	rest = bytes.TrimPrefix(rest, []byte("\n"))
	header := textwrap.Dedent(strings.TrimLeft(multiLineShebangTemplate, "\n"))
	header = strings.Replace(header, "%s", interpreterPath, 1)
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.Write(rest)
	return buf.Bytes()
}
