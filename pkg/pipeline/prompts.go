package pipeline

import "strings"

// renderTemplate substitutes {NAME} placeholders. Templates are small and
// fixed, so plain replacement beats text/template here.
func renderTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// StripFences removes a surrounding markdown code fence from model output,
// including any language tag on the opening fence.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		return s
	}
	t = strings.TrimSuffix(strings.TrimRight(t, " \n\t"), "```")
	return strings.TrimRight(t, "\n")
}

const selectSystemPrompt = `You are a senior engineer triaging a code change request. ` +
	`Given a repository file listing and the request, reply with only the paths of the files ` +
	`that must be read to plan the change, one path per line, exactly as they appear in the listing. ` +
	`No commentary, no formatting.`

const selectPromptTemplate = `Repository files:
{FILE_LIST}

Change request:
{REQUEST}

List the relevant file paths, one per line.`

const planSystemPrompt = `You are an automated coding agent. You produce precise, minimal change plans.`

const planPromptTemplate = `You are given the contents of relevant files from a repository and a change request.
Produce a plan as a sequence of steps. Respond with exactly this structure and nothing else:

<plan>
<step>
<action>create|modify|delete</action>
<file>relative/path/to/file</file>
<description>what to do in this file and why</description>
</step>
</plan>

Rules:
- Use one step per file.
- Paths are relative to the repository root.
- If the request requires no changes, return an empty <plan></plan>.

Repository context:
{CONTEXT}

Change request:
{REQUEST}`

const createPromptTemplate = `Write the complete contents of a new file for this change.

File path: {FILE_PATH}
What the file must do: {DESCRIPTION}

Repository context:
{CONTEXT}

Respond with only the raw file contents. No markdown fences, no explanation.`

const modifyPromptTemplate = `Rewrite a file to carry out one step of a change plan.

File path: {FILE_PATH}
Required change: {DESCRIPTION}

Current contents:
{ORIGINAL}

Repository context:
{CONTEXT}

Respond with only the complete new file contents. No markdown fences, no explanation.`
