package build

import (
	"bufio"
	"strings"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// ParseDockerfile turns raw Dockerfile-like text into an Instruction stream
// for Run. Supports line continuations with a trailing backslash and `#`
// comments; does not support multi-stage builds beyond recording an
// unsupported COPY --from marker on the Instruction.
func ParseDockerfile(text string) ([]Instruction, error) {
	var instructions []Instruction
	var pending string

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if pending != "" {
			line = pending + line
			pending = ""
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasSuffix(trimmed, "\\") {
			pending = strings.TrimSuffix(trimmed, "\\")
			continue
		}

		instr, err := parseLine(trimmed)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, instr)
	}
	if pending != "" {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "dangling line continuation at end of file")
	}
	return instructions, nil
}

func parseLine(line string) (Instruction, error) {
	verb, rest, ok := strings.Cut(line, " ")
	if !ok {
		verb = line
		rest = ""
	}
	rest = strings.TrimSpace(rest)
	kind := InstructionKind(strings.ToUpper(verb))

	switch kind {
	case KindFrom, KindWorkdir, KindUser, KindEntrypoint, KindCmd:
		return Instruction{Kind: kind, Args: splitArgs(rest)}, nil
	case KindRun:
		return Instruction{Kind: kind, Args: splitArgs(rest)}, nil
	case KindExpose:
		return Instruction{Kind: kind, Args: strings.Fields(rest)}, nil
	case KindEnv, KindLabel:
		k, v, ok := strings.Cut(rest, "=")
		if !ok {
			k, v, ok = strings.Cut(rest, " ")
		}
		if !ok {
			return Instruction{}, boxerr.New(boxerr.KindInvalidConfig, "%s requires key and value: %q", kind, line)
		}
		return Instruction{Kind: kind, Args: []string{strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"`)}}, nil
	case KindArg:
		k, v, hasDefault := strings.Cut(rest, "=")
		if hasDefault {
			return Instruction{Kind: kind, Args: []string{strings.TrimSpace(k), strings.TrimSpace(v)}}, nil
		}
		return Instruction{Kind: kind, Args: []string{strings.TrimSpace(rest)}}, nil
	case KindCopy:
		return parseCopy(rest)
	default:
		return Instruction{}, boxerr.New(boxerr.KindInvalidConfig, "unsupported instruction %q", verb)
	}
}

func parseCopy(rest string) (Instruction, error) {
	fields := strings.Fields(rest)
	var from string
	var paths []string
	for _, f := range fields {
		if strings.HasPrefix(f, "--from=") {
			from = strings.TrimPrefix(f, "--from=")
			continue
		}
		if strings.HasPrefix(f, "--") {
			continue // other flags (--chown, --chmod) are not modeled
		}
		paths = append(paths, f)
	}
	if from != "" {
		return Instruction{Kind: KindCopy, From: from}, nil
	}
	if len(paths) != 2 {
		return Instruction{}, boxerr.New(boxerr.KindInvalidConfig, "COPY requires exactly one source and one destination, got %q", rest)
	}
	return Instruction{Kind: KindCopy, Args: paths}, nil
}

// splitArgs parses a JSON-array exec form ("["a","b"]") or, failing that,
// falls back to a shell-form whitespace split.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		parts := strings.Split(inner, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.Trim(strings.TrimSpace(p), `"`))
		}
		return out
	}
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
