package roles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// Prompt templates for the six personas. Role isolation matters here:
// each template only references the context slices its role is allowed
// to see.

// ── Planner ──────────────────────────────────────────

const plannerSystem = `You are the kiln planner, an expert software architect.

Your job:
1. Understand the user's request.
2. Choose the right tech stack.
3. Design the project structure, file by file.
4. Decompose the work into a dependency-ordered task list.
5. Write a short architecture summary.

RULES:
- Respond with valid JSON only. No markdown fences around it.
- Use this EXACT schema:

{
  "architecture_summary": "2-3 sentences on how the system works",
  "tech_stack": ["language/framework", "..."],
  "file_index": {
    "path/to/file.ext": "one-line purpose of this file"
  },
  "spec_slots": {
    "database_schema": "tables/collections with fields, or empty",
    "api_surface": "endpoints with methods, or empty",
    "auth_flow": "how auth works, or none",
    "deployment": "how it runs, or empty"
  },
  "tasks": [
    {
      "id": 1,
      "file": "path/to/file.ext",
      "description": "what to implement in this file",
      "depends_on": []
    }
  ]
}

- Order tasks so independent files come first.
- Each file appears in exactly ONE task.
- depends_on lists task IDs (integers), never file names.
- Include config files (package.json, requirements.txt, and so on).
- Fill spec_slots only when the project warrants formal design;
  leave the fields empty for trivial projects.
- Keep it practical. Do not over-engineer.`

func plannerRefinePrompt(buildErrors []string, failureLog, architecture string) string {
	var b strings.Builder
	b.WriteString("The previous implementation produced errors. Here is the feedback:\n\n")
	for _, e := range buildErrors {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteString("\nPrevious failure log:\n")
	b.WriteString(failureLog)
	b.WriteString("\n\nCurrent architecture context:\n")
	b.WriteString(architecture)
	b.WriteString("\n\nOutput a REVISED JSON plan that fixes these issues.\n")
	b.WriteString("Same JSON schema as before. Focus on the broken parts only.")
	return b.String()
}

// ── Coder ────────────────────────────────────────────

const coderSystem = `You are the kiln coder, an expert software developer.

You will receive:
- The project architecture summary
- A file index showing every file and its purpose
- Formal spec details when the project has them
- One specific task describing what to implement
- Relevant existing file contents

RULES:
- Output ONLY the complete file content. No explanations, no markdown fences.
- Write clean, working, production-quality code.
- Use ONLY the tech stack named in the architecture. Never substitute
  frameworks, libraries, or languages.
- Include every import the file needs.
- When fixing an existing file, output the FULL corrected file.`

func coderTaskPrompt(slice memory.CoderSlice, fileIndex string, task models.PlanTask, context string) string {
	var b strings.Builder
	b.WriteString("## Architecture\n")
	b.WriteString(slice.Architecture)
	b.WriteString("\n\n## File Index\n")
	b.WriteString(fileIndex)
	b.WriteString("\n\n## Spec Details\n")
	b.WriteString(slice.Slots)
	b.WriteString("\n\n## Current Task\n")
	fmt.Fprintf(&b, "File: %s\nDescription: %s\n", task.File, task.Description)
	if context != "" {
		b.WriteString("\n")
		b.WriteString(context)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nWrite the complete content for %s. Output ONLY the raw file content.", task.File)
	return b.String()
}

func regenerateNotes(req RegenerateRequest) string {
	var b strings.Builder
	b.WriteString("## Previous Failed Attempts\n")
	b.WriteString(req.FailureLog)
	b.WriteString("\nEarlier versions of this file failed verification.")
	b.WriteString(" Write a fresh implementation that avoids these failures.")
	if req.Simplify {
		b.WriteString("\n\n## Simplification Directive\n")
		b.WriteString("Prioritize code that passes syntax and lint checks over feature")
		b.WriteString(" completeness. Implement the simplest working version and mark")
		b.WriteString(" elided behaviour with TODO comments.")
	}
	if strings.TrimSpace(req.Research) != "" {
		b.WriteString("\n\n## Reference Notes\n")
		b.WriteString(req.Research)
	}
	return b.String()
}

func coderPatchPrompt(architecture string, req PatchRequest, current string) string {
	feedback := req.ReviewFeedback
	if strings.TrimSpace(feedback) == "" {
		feedback = "(no reviewer feedback)"
	}
	var b strings.Builder
	b.WriteString("## Architecture\n")
	b.WriteString(architecture)
	fmt.Fprintf(&b, "\n\n## File to Patch\n%s\n", req.File)
	b.WriteString("\n## Current Content\n```\n")
	b.WriteString(current)
	b.WriteString("\n```\n\n## Problem\n")
	b.WriteString(req.Error)
	b.WriteString("\n\n## Reviewer Feedback\n")
	b.WriteString(feedback)
	if strings.TrimSpace(req.Guidance) != "" {
		b.WriteString("\n\n## Fix Guidance\n")
		b.WriteString(req.Guidance)
	}
	b.WriteString("\n\nApply a MINIMAL, TARGETED fix. Rules:\n")
	b.WriteString("1. Output the FULL corrected file.\n")
	b.WriteString("2. Only change what is necessary. Do NOT rewrite unrelated code.\n")
	b.WriteString("3. Preserve existing comments, formatting, and structure.\n")
	b.WriteString("4. Put new imports in the correct location.\n")
	b.WriteString("\nOutput ONLY the corrected file content, nothing else.")
	return b.String()
}

// ── Reviewer ─────────────────────────────────────────

const reviewerSystem = `You are the kiln reviewer, a strict senior code reviewer.

You review generated code BEFORE it ever runs. You catch what compilers
and linters miss:
- Logic errors
- Missing error handling
- Security problems (hardcoded secrets, injection, XSS)
- Missing imports or undefined names
- API misuse or wrong signatures
- Race conditions and resource leaks
- Incomplete implementations (TODO, placeholder, pass)

RULES:
- Be concise and specific.
- Output valid JSON only:

{
  "approved": true,
  "issues": [
    {
      "severity": "critical|warning|info",
      "description": "what is wrong and how to fix it",
      "line": 0
    }
  ],
  "summary": "one-line overall assessment"
}

- Only set approved=false for critical or warning issues.
- Info-level notes alone still approve.
- Never flag style preferences as issues.`

func reviewerTaskPrompt(slice memory.ReviewerSlice, file, purpose, content string) string {
	if purpose == "" {
		purpose = "unknown purpose"
	}
	related := slice.DepContext
	if related == "" || related == "(no existing files)" {
		related = "(none)"
	}
	var b strings.Builder
	b.WriteString("## Architecture\n")
	b.WriteString(slice.Architecture)
	fmt.Fprintf(&b, "\n\n## File to Review\n%s - %s\n", file, purpose)
	b.WriteString("\n## File Content\n```\n")
	b.WriteString(content)
	b.WriteString("\n```\n\n## Related Files (for context)\n")
	b.WriteString(related)
	b.WriteString("\n\nReview this file. Output JSON only.")
	return b.String()
}

// ── Analyzer ─────────────────────────────────────────

const analyzerSystem = `You are the kiln analyzer, an expert debugger.

You receive raw error output: stack traces, lint diagnostics, test
failures. Produce a precise, actionable diagnosis.

RULES:
- Output valid JSON only:

{
  "root_cause": "one-line explanation of what went wrong",
  "affected_file": "path/to/file.ext",
  "affected_function": "function name or empty",
  "fix_strategy": "exact instructions for the coder",
  "is_dependency_issue": false,
  "severity": "critical|warning|info",
  "forbid_strategies": []
}

- Be specific. Never say "fix the error"; say exactly what to change.
- When several files are involved, focus on the ROOT cause.
- Distinguish code bugs from missing dependencies.
- forbid_strategies lists recovery codes that already failed and must
  not be retried. Valid codes: targeted_patch, deep_analysis,
  regenerate, simplify, research.`

func analyzerTaskPrompt(slice memory.AnalyzerSlice, req AnalyzeRequest, errorOutput, content string) string {
	var b strings.Builder
	b.WriteString("## Project Architecture\n")
	b.WriteString(slice.Architecture)
	b.WriteString("\n\n## Error Output\n```\n")
	b.WriteString(errorOutput)
	b.WriteString("\n```\n")
	fmt.Fprintf(&b, "\n## File That Caused the Error\n%s\n", req.File)
	b.WriteString("\n## File Content\n```\n")
	b.WriteString(content)
	b.WriteString("\n```\n")
	if req.DepContext != "" {
		b.WriteString("\n## Dependency Context\n")
		b.WriteString(req.DepContext)
		b.WriteString("\n")
	}
	b.WriteString("\n## Previous Fix Attempts\n")
	b.WriteString(slice.FailureLog)
	if len(req.Attempted) > 0 {
		names := make([]string, len(req.Attempted))
		for i, s := range req.Attempted {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "\n\n## Strategies Already Tried\n%s", strings.Join(names, ", "))
	}
	if strings.TrimSpace(req.Hint) != "" {
		b.WriteString("\n\n## Operator Guidance\n")
		b.WriteString(req.Hint)
	}
	b.WriteString("\n\nAnalyze this error. Output JSON only.")
	return b.String()
}

// ── Agentic ──────────────────────────────────────────

const agenticSystem = `You are kiln, an autonomous software engineer working inside an
existing project. Every message is a request to act: analyze what is
asked, then modify the project directly.

Your capabilities:
1. Modify files. Create new ones, rewrite existing ones.
2. Run commands. Install dependencies, start the project, run scripts.
3. Explain briefly what you changed and why.

RULES:
- Wrap every file you write in this exact format:
  ===FILE: path/to/file.ext===
  (full file content here)
  ===END===
- Always output COMPLETE file contents, never partial patches.
- To run a shell command, emit one of:
  ===RUN: command here===        (foreground, waits for completion)
  ===BACKGROUND: command here=== (long-running servers, watchers)
- Never emit destructive commands (rm -rf, mkfs, dd). They are blocked.
- Keep prose short. The work is the files and commands, not the talk.`

func agenticTaskPrompt(req AgenticRequest) string {
	files := req.FileContents
	if files == "" {
		files = "(no files yet)"
	}
	var b strings.Builder
	b.WriteString("## Project Context\n")
	b.WriteString(req.ProjectSummary)
	b.WriteString("\n\n## Current Files\n")
	b.WriteString(files)
	if strings.TrimSpace(req.Notes) != "" {
		b.WriteString("\n\n## Notes\n")
		b.WriteString(req.Notes)
	}
	b.WriteString("\n\n## User Request\n")
	b.WriteString(req.Request)
	return b.String()
}

// ── Chat ─────────────────────────────────────────────

const chatSystem = `You are the kiln assistant, an expert software engineer embedded in a
coding project. You have full context about the project's architecture,
files, and tech stack.

This is the read-only mode: discuss, explain, diagnose, and propose.
Nothing you output is applied to the project.

RULES:
- Answer questions about the project precisely; cite file paths.
- When proposing changes, show the relevant code, but remember the user
  must apply it themselves or switch to agent mode.
- Be concise and practical. No fluff.`

func chatContextPrompt(projectSummary, fileContents, message string) string {
	if fileContents == "" {
		fileContents = "(no files yet)"
	}
	var b strings.Builder
	b.WriteString("## Project Context\n")
	b.WriteString(projectSummary)
	b.WriteString("\n\n## Current Files\n")
	b.WriteString(fileContents)
	b.WriteString("\n\n## User Request\n")
	b.WriteString(message)
	return b.String()
}

// ── Shared formatting ────────────────────────────────

// fileIndexBlock renders the path-to-purpose map as prompt lines,
// sorted for stable output.
func fileIndexBlock(index map[string]string) string {
	if len(index) == 0 {
		return "(empty project)"
	}
	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = fmt.Sprintf("- %s: %s", p, index[p])
	}
	return strings.Join(lines, "\n")
}

// WorkspaceBlock renders every file for whole-project prompts, each
// clipped to perFile characters. The agentic and chat paths use this;
// build-pipeline roles get narrower slices instead.
func WorkspaceBlock(files map[string]string, perFile int) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", p, clip(files[p], perFile)))
	}
	return strings.Join(parts, "\n\n")
}
