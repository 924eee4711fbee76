package scanner

import (
	"bufio"
	"strings"
)

// Capabilities holds the options parsed from a scanimage -A dump. The dump is
// free text whose exact phrasing is an unversioned external contract, so
// parsing here is deliberately narrow and tolerant: lines that do not look
// like option lines are ignored.
type Capabilities struct {
	Sources     []string
	Modes       []string
	Resolutions []string
	// Current maps option name to the value reported in trailing brackets.
	Current map[string]string
	// Features maps boolean option names (--name[=(yes|no)]) to their state.
	Features map[string]bool
	// Raw preserves the full dump for keyword probes (e.g. paper-loaded).
	Raw string
}

// ParseCapabilities scans scanimage -A output for option lines of the shape
//
//	--<name> <v1>|<v2>|... [<current>]
//
// and boolean feature lines of the shape
//
//	--<name>[=(yes|no)] [yes|no]
func ParseCapabilities(output string) *Capabilities {
	caps := &Capabilities{
		Current:  make(map[string]string),
		Features: make(map[string]bool),
		Raw:      output,
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "--") {
			continue
		}

		name, rest := splitOptionLine(line)
		if name == "" {
			continue
		}

		if strings.HasPrefix(rest, "[=(yes|no)]") {
			// Boolean feature. Current state is the first bracketed yes/no
			// after the option syntax.
			state := bracketValue(rest[len("[=(yes|no)]"):])
			caps.Features[name] = strings.EqualFold(state, "yes")
			caps.Current[name] = strings.ToLower(state)
			continue
		}

		values, current := splitValues(rest)
		if current != "" {
			caps.Current[name] = current
		}
		switch name {
		case "source":
			caps.Sources = values
		case "mode":
			caps.Modes = values
		case "resolution":
			caps.Resolutions = values
		}
	}

	return caps
}

// splitOptionLine separates "--name rest" into the bare option name and the
// remainder. Names end at the first space, '[' or '='.
func splitOptionLine(line string) (string, string) {
	body := strings.TrimPrefix(line, "--")
	end := len(body)
	for i, r := range body {
		if r == ' ' || r == '[' || r == '=' {
			end = i
			break
		}
	}
	name := body[:end]
	rest := strings.TrimLeft(body[end:], " ")
	if name == "" {
		return "", ""
	}
	// Re-attach '[' so boolean syntax detection sees it.
	if end < len(body) && body[end] == '[' {
		rest = body[end:]
	}
	return name, rest
}

// splitValues parses "v1|v2|v3 [current]" into the value list and the
// current selection. Range specs like "100..600dpi (in steps of 10)" come
// back as a single value.
func splitValues(rest string) ([]string, string) {
	current := ""
	if i := strings.LastIndex(rest, "["); i >= 0 {
		if j := strings.Index(rest[i:], "]"); j > 0 {
			current = strings.TrimSpace(rest[i+1 : i+j])
		}
		rest = strings.TrimSpace(rest[:i])
	}
	// Drop trailing prose such as "(in steps of 10)".
	if i := strings.Index(rest, "("); i >= 0 {
		rest = strings.TrimSpace(rest[:i])
	}
	if rest == "" {
		return nil, current
	}
	parts := strings.Split(rest, "|")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			values = append(values, v)
		}
	}
	return values, current
}

// bracketValue returns the contents of the first [...] in s.
func bracketValue(s string) string {
	i := strings.Index(s, "[")
	if i < 0 {
		return ""
	}
	j := strings.Index(s[i:], "]")
	if j <= 0 {
		return ""
	}
	return strings.TrimSpace(s[i+1 : i+j])
}
