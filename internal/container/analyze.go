package container

import (
	"log/slog"
	"strings"
)

// FailureKind classifies what a failed run most likely needs fixed.
type FailureKind struct {
	Containerfile bool
	Script        bool
}

// containerfileIndicators suggest a missing dependency or broken image.
var containerfileIndicators = []string{
	"command not found",
	"no such file or directory",
	"not installed",
	"cannot find",
	"permission denied",
	"executable file not found",
	"out of memory",
	"killed",
}

// scriptIndicators suggest the generated shell script itself is wrong.
var scriptIndicators = []string{
	"syntax error",
	"unexpected end of file",
	"unexpected token",
	"unbound variable",
	"unrecognized option",
	"invalid option",
	"unknown command",
	"cannot execute",
}

// AnalyzeFailure inspects run output and classifies whether the
// containerfile or the script is the more likely culprit, to guide
// regeneration. With no clear indicators both are flagged; on a tie the
// script wins as the cheaper fix.
func AnalyzeFailure(output string) FailureKind {
	lower := strings.ToLower(output)

	countMatches := func(indicators []string) int {
		n := 0
		for _, ind := range indicators {
			if strings.Contains(lower, ind) {
				n++
			}
		}
		return n
	}

	cf := countMatches(containerfileIndicators)
	sc := countMatches(scriptIndicators)

	var kind FailureKind
	switch {
	case cf == 0 && sc == 0:
		kind = FailureKind{Containerfile: true, Script: true}
	case cf > sc:
		kind = FailureKind{Containerfile: true}
	default:
		kind = FailureKind{Script: true}
	}

	slog.Info("failure analysis",
		"containerfile_indicators", cf,
		"script_indicators", sc,
		"suspect_containerfile", kind.Containerfile,
		"suspect_script", kind.Script)
	return kind
}
