package stage

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

// relevanceSystemPrompt instructs the model to classify one file and
// answer with a small JSON object that the stage parses mechanically.
const relevanceSystemPrompt = `You are deciding whether a file in a codebase may need to be edited or understood to resolve a problem statement.

Read the problem statement (inside <issue></issue> tags) and the file contents (inside <content></content> tags). Think about what the file does and whether it relates to the problem. Some files are totally unrelated.

Then answer with a single JSON object in exactly this shape:

{"relevant": true, "justification": "<one or two sentences on why this file matters for the problem>"}

or, for an unrelated file:

{"relevant": false, "justification": "<one short sentence on why not>"}

The justification for relevant files is used later to rank and prioritize files, so make it informative and focused on the file's importance to the problem.

Your answer is parsed automatically. Output the JSON object and nothing else.`

func relevanceUserPrompt(problem domain.Problem, path, content string) string {
	return fmt.Sprintf(`Assess whether the following file is relevant to the problem.

Problem statement:
<issue>
%s
</issue>

File path: %s

File contents:
<content>
%s
</content>

Answer with the single JSON object described in the system prompt.`, problem.ProblemStatement, path, content)
}

// relevanceRetryPrompt is the one corrective follow-up sent when the
// first answer did not contain parseable JSON.
const relevanceRetryPrompt = `Your previous answer could not be parsed. Respond with ONLY the JSON object, no prose, no code fences:

{"relevant": <true|false>, "justification": "<string>"}`

// rankingSystemPrompt asks for an ordered JSON array of paths.
const rankingSystemPrompt = `You are prioritizing files for an engineer who will fix a problem in a codebase. The engineer will look at files in the order you produce, so files most likely to need editing must come first.

You will receive the problem statement and a list of candidate files, each with a short summary of why it was judged relevant; some entries also carry a short excerpt.

Rank the files by decreasing likelihood that a fix requires editing them. Include each file at most once, and only files from the provided list.

Deliberate first, then output the final ranking as a JSON array of file paths, most important first:

["path/to/most_important", "path/to/second", ...]

The array is parsed automatically and must be the last thing in your answer.`

func rankingUserPrompt(problem domain.Problem, entries []rankingEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem statement:\n<issue>\n%s\n</issue>\n\nCandidate files:\n", problem.ProblemStatement)
	for _, e := range entries {
		fmt.Fprintf(&b, "\nFile: %s\nTokens: %d\nSummary: %s\n", e.Path, e.TokenCount, e.Justification)
		if e.Excerpt != "" {
			fmt.Fprintf(&b, "Excerpt:\n%s\n", e.Excerpt)
		}
	}
	b.WriteString("\nOutput the ranking as a JSON array of paths, most important first.")
	return b.String()
}

// rankingRetryPrompt is the one corrective follow-up for the ranking
// stage.
const rankingRetryPrompt = `Your previous answer could not be parsed. Respond with ONLY a JSON array of file paths, no prose, no code fences:

["first/path", "second/path"]`

// Section delimiters for the generation stage response.
const (
	sectionDockerfile = "===DOCKERFILE==="
	sectionLint       = "===LINT==="
	sectionTest       = "===TEST==="
	sectionEnd        = "===END==="
)

// generationSystemPrompt asks for the three build artifacts in one
// delimited response.
const generationSystemPrompt = `You are preparing a reproducible build and test environment for a codebase.

Based on the problem statement and the repository files provided, produce three artifacts:

1. A Dockerfile that installs the project's dependencies and copies the repository in, so lint and tests can run inside the image. Work from a widely available base image.
2. A POSIX shell lint script that checks the project's code style or static checks. If the project has no obvious linter, run the cheapest sensible syntax check.
3. A POSIX shell test script that runs the project's test suite.

Output all three in exactly this format, with these literal delimiters on their own lines:

===DOCKERFILE===
<dockerfile body>
===LINT===
<lint script body>
===TEST===
<test script body>
===END===

Output nothing outside the delimited sections. The response is split on these exact markers.`

func generationUserPrompt(problem domain.Problem, files []rankedContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem statement:\n<issue>\n%s\n</issue>\n\nRepository files, most relevant first:\n", problem.ProblemStatement)
	for _, f := range files {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, f.Content)
	}
	b.WriteString("\nProduce the Dockerfile, lint script, and test script in the delimited format.")
	return b.String()
}

func generationRetryPrompt(missing []string) string {
	return fmt.Sprintf(`Your previous answer was missing the %s section(s). Respond again with ALL of the required sections in exactly this format:

===DOCKERFILE===
<dockerfile body>
===LINT===
<lint script body>
===TEST===
<test script body>
===END===`, strings.Join(missing, ", "))
}
