// Package verify statically checks generated files and locates the
// commands that run and provision a workspace.
//
// Checks are per extension: Python compiles via py_compile then lints with
// ruff (flake8 as fallback), JavaScript parses via node --check, JSON
// parses in-process. TypeScript has no syntax binary in the default
// toolchain and passes with a note; everything else passes untouched.
// Missing tool binaries skip verification rather than failing the file.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/scan"
	"github.com/kilnworks/kiln/pkg/models"
)

// runner is the slice of internal/process.Runner the verifier needs.
// Narrowed to an interface so tests can fake tool invocations.
type runner interface {
	Run(ctx context.Context, command string) models.RunResult
}

// Verifier checks files inside one workspace.
type Verifier struct {
	root   string
	runner runner
}

// New creates a verifier rooted at the workspace directory. Commands run
// through the given runner and inherit its timeout.
func New(root string, r runner) *Verifier {
	return &Verifier{root: root, runner: r}
}

// File verifies one workspace-relative path. It never returns an error:
// unverifiable files pass with Skipped set so a missing linter cannot
// wedge a build.
func (v *Verifier) File(ctx context.Context, relPath string) models.VerifyResult {
	res := models.VerifyResult{Path: relPath, Passed: true}

	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".py":
		v.python(ctx, relPath, &res)
	case ".js", ".jsx", ".mjs", ".cjs":
		v.javascript(ctx, relPath, &res)
	case ".ts", ".tsx":
		res.Checks = append(res.Checks, models.Check{
			Name:   "syntax",
			Passed: true,
			Output: "typescript is lint-only, no syntax binary in the default toolchain",
		})
	case ".json":
		v.jsonParse(relPath, &res)
	default:
		res.Skipped = true
	}

	for _, c := range res.Checks {
		if !c.Passed {
			res.Passed = false
			res.Errors = append(res.Errors, StructuredErrors(relPath, c.Name, c.Output)...)
		}
	}
	return res
}

func (v *Verifier) python(ctx context.Context, relPath string, res *models.VerifyResult) {
	if _, err := exec.LookPath("python3"); err != nil {
		res.Skipped = true
		return
	}

	run := v.runner.Run(ctx, "python3 -m py_compile "+shellQuote(relPath))
	res.Checks = append(res.Checks, models.Check{
		Name:   "syntax",
		Tool:   "py_compile",
		Passed: run.ExitCode == 0,
		Output: run.Output,
	})
	if run.ExitCode != 0 {
		return // lint output on broken syntax is noise
	}

	var lint string
	var tool string
	if _, err := exec.LookPath("ruff"); err == nil {
		tool = "ruff"
		lint = "ruff check --select=E,F --no-fix " + shellQuote(relPath)
	} else if _, err := exec.LookPath("flake8"); err == nil {
		tool = "flake8"
		lint = "flake8 --select=E,F " + shellQuote(relPath)
	} else {
		return
	}
	run = v.runner.Run(ctx, lint)
	res.Checks = append(res.Checks, models.Check{
		Name:   "lint",
		Tool:   tool,
		Passed: run.ExitCode == 0,
		Output: run.Output,
	})
}

func (v *Verifier) javascript(ctx context.Context, relPath string, res *models.VerifyResult) {
	if _, err := exec.LookPath("node"); err != nil {
		res.Skipped = true
		return
	}
	run := v.runner.Run(ctx, "node --check "+shellQuote(relPath))
	res.Checks = append(res.Checks, models.Check{
		Name:   "syntax",
		Tool:   "node",
		Passed: run.ExitCode == 0,
		Output: run.Output,
	})
}

func (v *Verifier) jsonParse(relPath string, res *models.VerifyResult) {
	data, err := os.ReadFile(filepath.Join(v.root, relPath))
	if err != nil {
		res.Checks = append(res.Checks, models.Check{
			Name: "parse", Tool: "encoding/json", Output: err.Error(),
		})
		return
	}
	var out any
	err = json.Unmarshal(data, &out)
	check := models.Check{Name: "parse", Tool: "encoding/json", Passed: err == nil}
	if err != nil {
		check.Output = err.Error()
	}
	res.Checks = append(res.Checks, check)
}

// ── Structured error extraction ─────────────────────────────

var (
	// Python traceback frames: File "app.py", line 3
	pyFrameRe = regexp.MustCompile(`File "(.+?)", line (\d+)`)
	// The terminal error line of a Python traceback.
	pyErrLineRe = regexp.MustCompile(`(?m)^(\w+Error.*)$`)
	// Linter diagnostics: path:line:col: message (column optional).
	lintRe = regexp.MustCompile(`(?m)^([^\s:]+\.\w+):(\d+):(?:(\d+):?)?\s*(.+)$`)
)

// StructuredErrors extracts machine-readable diagnostics from tool output.
// Both the Python traceback shape and the path:line:col linter shape are
// recognized; unrecognized output becomes one generic entry so the fix
// engine always has something to work from.
func StructuredErrors(path, checkName, output string) []models.StructuredError {
	category := categoryFor(checkName)

	if frames := pyFrameRe.FindAllStringSubmatch(output, -1); len(frames) > 0 {
		message := strings.TrimSpace(output)
		if m := pyErrLineRe.FindStringSubmatch(output); m != nil {
			message = m[1]
		}
		var errs []models.StructuredError
		for _, f := range frames {
			line, _ := strconv.Atoi(f[2])
			errs = append(errs, models.StructuredError{
				File:     f[1],
				Line:     line,
				Category: category,
				Message:  clip(message, 200),
			})
		}
		return errs
	}

	if diags := lintRe.FindAllStringSubmatch(output, -1); len(diags) > 0 {
		var errs []models.StructuredError
		for _, d := range diags {
			line, _ := strconv.Atoi(d[2])
			col, _ := strconv.Atoi(d[3])
			errs = append(errs, models.StructuredError{
				File:     d[1],
				Line:     line,
				Column:   col,
				Category: category,
				Message:  strings.TrimSpace(d[4]),
			})
		}
		return errs
	}

	if strings.TrimSpace(output) == "" {
		return nil
	}
	return []models.StructuredError{{
		File:     path,
		Category: category,
		Message:  clip(strings.TrimSpace(output), 200),
	}}
}

func categoryFor(checkName string) string {
	switch {
	case strings.Contains(checkName, "syntax"), strings.Contains(checkName, "parse"):
		return "syntax"
	case strings.Contains(checkName, "lint"):
		return "lint"
	case strings.Contains(checkName, "import"):
		return "import"
	case strings.Contains(checkName, "type"):
		return "type"
	default:
		return "runtime"
	}
}

// ── Run and install command detection ─────────────────────────────

var (
	pythonEntries = []string{"main.py", "app.py", "manage.py", "server.py", "run.py"}
	nodeEntries   = []string{"app.js", "index.js", "server.js", "main.js"}

	pythonDirs  = []string{".", "backend", "src", "server", "api"}
	packageDirs = []string{".", "backend", "server", "api", "frontend", "client", "app"}
	nodeDirs    = []string{".", "server", "backend", "src", "api", "app"}
	htmlDirs    = []string{".", "public", "frontend", "client", "dist"}
	installDirs = []string{".", "backend", "server", "frontend", "client"}
)

type packageJSON struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

// DetectRunCommand finds the most plausible way to launch the workspace.
// Returns "" when nothing recognizable exists. Detection order: a Python
// entry file, package.json scripts (start, then dev), its main field,
// known node entry files, an HTML entry served statically, any .py file.
func DetectRunCommand(root string) string {
	for _, dir := range pythonDirs {
		for _, name := range pythonEntries {
			if rel, ok := fileIn(root, dir, name); ok {
				return "python3 " + shellQuote(rel)
			}
		}
	}

	for _, dir := range packageDirs {
		pkg, ok := readPackageJSON(root, dir)
		if !ok {
			continue
		}
		if _, has := pkg.Scripts["start"]; has {
			return inDir(dir, "npm start")
		}
		if _, has := pkg.Scripts["dev"]; has {
			return inDir(dir, "npm run dev")
		}
	}

	for _, dir := range packageDirs {
		pkg, ok := readPackageJSON(root, dir)
		if !ok || pkg.Main == "" {
			continue
		}
		if rel, ok := fileIn(root, dir, pkg.Main); ok {
			return "node " + shellQuote(rel)
		}
	}

	for _, dir := range nodeDirs {
		for _, name := range nodeEntries {
			if rel, ok := fileIn(root, dir, name); ok {
				return "node " + shellQuote(rel)
			}
		}
	}

	for _, dir := range htmlDirs {
		if _, ok := fileIn(root, dir, "index.html"); ok {
			return inDir(dir, "python3 -m http.server 8000")
		}
	}

	if rel := anyPythonFile(root); rel != "" {
		return "python3 " + shellQuote(rel)
	}
	return ""
}

// DetectInstallCommands returns provisioning commands for dependency
// manifests that have not been installed yet, npm before pip.
func DetectInstallCommands(root string) []string {
	var cmds []string
	for _, dir := range installDirs {
		if _, ok := fileIn(root, dir, "package.json"); !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, dir, "node_modules")); err == nil {
			continue
		}
		cmds = append(cmds, inDir(dir, "npm install"))
	}
	for _, dir := range []string{".", "backend"} {
		if _, ok := fileIn(root, dir, "requirements.txt"); ok {
			cmds = append(cmds, inDir(dir, "python3 -m pip install -r requirements.txt -q"))
		}
	}
	return cmds
}

func readPackageJSON(root, dir string) (packageJSON, bool) {
	var pkg packageJSON
	data, err := os.ReadFile(filepath.Join(root, dir, "package.json"))
	if err != nil {
		return pkg, false
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Malformed package.json, skipping")
		return pkg, false
	}
	return pkg, true
}

// fileIn reports whether dir/name exists under root and returns its
// root-relative slash path.
func fileIn(root, dir, name string) (string, bool) {
	rel := filepath.ToSlash(filepath.Join(dir, name))
	rel = strings.TrimPrefix(rel, "./")
	info, err := os.Stat(filepath.Join(root, rel))
	if err != nil || info.IsDir() {
		return "", false
	}
	return rel, true
}

// anyPythonFile returns the first .py file in the workspace, walking in
// sorted order with the scanner's noise dirs skipped.
func anyPythonFile(root string) string {
	var found []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && (scan.SkipDir(d.Name()) || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".py") {
			if rel, err := filepath.Rel(root, p); err == nil {
				found = append(found, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	if len(found) == 0 {
		return ""
	}
	sort.Strings(found)
	return found[0]
}

func inDir(dir, command string) string {
	if dir == "." || dir == "" {
		return command
	}
	return fmt.Sprintf("cd %s && %s", shellQuote(dir), command)
}

// shellQuote wraps an argument in single quotes, escaping embedded ones.
// Paths come from model output and cannot be trusted to be shell-clean.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " '\"\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
