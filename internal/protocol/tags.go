package protocol

import "regexp"

// tagPattern matches a complete tag at the start of the buffer: optional
// slash, a word name, and raw attribute text up to the closing '>'.
var tagPattern = regexp.MustCompile(`^<(/?)([a-zA-Z_]\w*)([^>]*)>`)

// attrPattern matches key="value" or key='value' pairs inside attribute text.
var attrPattern = regexp.MustCompile(`(\w+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// refTailPattern matches a trailing run that may still be growing into a
// $name or ${name} reference. Held back so emitted response runs never split
// a reference across chunks.
var refTailPattern = regexp.MustCompile(`\$\{?\w*$`)

// parseAttrs extracts attributes from the raw text of an opening tag.
// Unquoted or malformed pairs are ignored.
func parseAttrs(attrText string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(attrText, -1) {
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		attrs[m[1]] = value
	}
	return attrs
}
