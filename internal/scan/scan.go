// Package scan reads a project directory into a structured snapshot:
// project type, tech stack tokens, a file index with inferred purposes,
// and a local-import dependency graph. The snapshot feeds the
// classifier (file count), memory (rehydration), and the agentic
// executor (prompt context).
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

// MaxFileSize is the per-file read cap. Anything larger is assumed to
// be generated output or a binary and is left out of the snapshot.
const MaxFileSize = 100_000

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".venv": true, "venv": true,
	"__pycache__": true, ".next": true, "dist": true, "build": true,
	".mypy_cache": true, ".pytest_cache": true, ".tox": true,
	"coverage": true, ".cache": true, "target": true, "vendor": true,
}

// SkipDir reports whether a directory name is scan noise (dependency
// trees, caches, build output). Shared with run-command detection so both
// walk the same files.
func SkipDir(name string) bool {
	return skipDirs[name] || strings.HasSuffix(name, ".egg-info")
}

// sourceExts is the set of extensions treated as source code.
var sourceExts = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".html": true, ".css": true, ".scss": true, ".json": true,
	".yaml": true, ".yml": true, ".toml": true, ".md": true,
	".txt": true, ".sql": true, ".sh": true, ".bash": true,
	".env": true, ".cfg": true, ".ini": true, ".xml": true,
	".graphql": true, ".prisma": true, ".svelte": true, ".vue": true,
	".go": true, ".rs": true, ".java": true, ".kt": true, ".rb": true,
	".php": true, ".c": true, ".cpp": true, ".h": true, ".hpp": true,
	".cs": true, ".swift": true, ".lua": true, ".ex": true, ".exs": true,
}

// Snapshot couples the structural scan with the contents it read.
// Contents hold at most MaxFileSize bytes per file.
type Snapshot struct {
	Scan     models.WorkspaceScan
	Contents map[string]string
}

// Workspace scans root and returns a populated snapshot. A missing or
// empty directory yields an empty snapshot, not an error.
func Workspace(root string) (*Snapshot, error) {
	snap := &Snapshot{
		Scan:     models.WorkspaceScan{Root: root},
		Contents: map[string]string{},
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return snap, nil
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if p != root && SkipDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && d.Name() != ".env" {
			return nil
		}
		if !sourceExts[strings.ToLower(filepath.Ext(d.Name()))] && d.Name() != ".env" {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() > MaxFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		content := string(data)
		snap.Contents[rel] = content
		snap.Scan.Files = append(snap.Scan.Files, models.FileRecord{
			Path:    rel,
			Purpose: InferPurpose(rel, content),
			Hash:    ContentHash(content),
			Size:    fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snap.Scan.Files, func(i, j int) bool {
		return snap.Scan.Files[i].Path < snap.Scan.Files[j].Path
	})
	snap.Scan.ProjectType = DetectProjectType(root)
	snap.Scan.TechStack = DetectTechStack(root)
	snap.Scan.DepGraph = DependencyGraph(snap.Contents)
	return snap, nil
}

// ContentHash is the change-detection hash used for embedding
// invalidation and verified-file revisit short circuits. Only the first
// 4KiB participate, matching the index granularity.
func ContentHash(content string) string {
	b := []byte(content)
	if len(b) > 4096 {
		b = b[:4096]
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ── Project type ─────────────────────────────────────────────────────

type marker struct {
	file  string
	label string
}

// Ordered: more specific markers first.
var typeMarkers = []marker{
	{"next.config.js", "Next.js"},
	{"next.config.mjs", "Next.js"},
	{"next.config.ts", "Next.js"},
	{"vite.config.ts", "Vite"},
	{"vite.config.js", "Vite"},
	{"nuxt.config.ts", "Nuxt"},
	{"svelte.config.js", "SvelteKit"},
	{"angular.json", "Angular"},
	{"package.json", "Node.js"},
	{"requirements.txt", "Python"},
	{"pyproject.toml", "Python"},
	{"setup.py", "Python"},
	{"Pipfile", "Python"},
	{"go.mod", "Go"},
	{"Cargo.toml", "Rust"},
	{"pom.xml", "Java (Maven)"},
	{"build.gradle", "Java (Gradle)"},
	{"Gemfile", "Ruby"},
	{"composer.json", "PHP"},
	{"Dockerfile", "Docker"},
	{"docker-compose.yml", "Docker Compose"},
	{"docker-compose.yaml", "Docker Compose"},
}

// DetectProjectType labels the workspace from its marker files.
// package.json is refined by its dependency list.
func DetectProjectType(root string) string {
	for _, m := range typeMarkers {
		if !exists(filepath.Join(root, m.file)) {
			continue
		}
		if m.label == "Node.js" {
			if refined := refineNodeType(filepath.Join(root, "package.json")); refined != "" {
				return refined
			}
		}
		return m.label
	}

	if hasGlob(root, "*.py") {
		return "Python"
	}
	if hasGlob(root, "*.html") {
		return "HTML/CSS"
	}
	if hasGlob(root, "*.js") {
		return "JavaScript"
	}
	return "Unknown"
}

func refineNodeType(pkgPath string) string {
	deps, err := packageDeps(pkgPath)
	if err != nil {
		return ""
	}
	switch {
	case deps["next"]:
		return "Next.js"
	case deps["react"] && deps["vite"]:
		return "React + Vite"
	case deps["react"]:
		return "React"
	case deps["vue"]:
		return "Vue"
	case deps["svelte"]:
		return "Svelte"
	case deps["express"]:
		return "Express.js"
	case deps["fastify"]:
		return "Fastify"
	}
	return "Node.js"
}

// packageDeps merges dependencies and devDependencies of a package.json.
func packageDeps(pkgPath string) (map[string]bool, error) {
	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return nil, err
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name := range pkg.Dependencies {
		deps[name] = true
	}
	for name := range pkg.DevDependencies {
		deps[name] = true
	}
	return deps, nil
}

// ── Tech stack ───────────────────────────────────────────────────────

var knownPython = []marker{
	{"flask", "Flask"}, {"django", "Django"}, {"fastapi", "FastAPI"},
	{"sqlalchemy", "SQLAlchemy"}, {"pandas", "Pandas"}, {"numpy", "NumPy"},
	{"pytest", "pytest"}, {"celery", "Celery"}, {"redis", "Redis"},
	{"psycopg2", "PostgreSQL"}, {"pymongo", "MongoDB"},
	{"requests", "Requests"}, {"scrapy", "Scrapy"},
}

var knownNode = []marker{
	{"react", "React"}, {"next", "Next.js"}, {"vue", "Vue"},
	{"svelte", "Svelte"}, {"express", "Express"}, {"fastify", "Fastify"},
	{"tailwindcss", "Tailwind CSS"}, {"typescript", "TypeScript"},
	{"prisma", "Prisma"}, {"mongoose", "Mongoose"},
	{"socket.io", "Socket.IO"}, {"jest", "Jest"}, {"vitest", "Vitest"},
	{"vite", "Vite"}, {"three", "Three.js"}, {"d3", "D3.js"},
}

// DetectTechStack lists technologies found in dependency manifests,
// deduplicated in detection order.
func DetectTechStack(root string) []string {
	var stack []string

	if data, err := os.ReadFile(filepath.Join(root, "requirements.txt")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			pkg := strings.ToLower(strings.TrimSpace(line))
			for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<"} {
				if i := strings.Index(pkg, sep); i >= 0 {
					pkg = pkg[:i]
				}
			}
			for _, k := range knownPython {
				if pkg == k.file {
					stack = append(stack, k.label)
				}
			}
		}
	}
	if exists(filepath.Join(root, "pyproject.toml")) {
		stack = append(stack, "Python")
	}
	if deps, err := packageDeps(filepath.Join(root, "package.json")); err == nil {
		for _, k := range knownNode {
			if deps[k.file] {
				stack = append(stack, k.label)
			}
		}
	}
	if exists(filepath.Join(root, "go.mod")) {
		stack = append(stack, "Go")
	}
	if exists(filepath.Join(root, "Cargo.toml")) {
		stack = append(stack, "Rust")
	}
	if exists(filepath.Join(root, "Dockerfile")) {
		stack = append(stack, "Docker")
	}
	if exists(filepath.Join(root, "docker-compose.yml")) || exists(filepath.Join(root, "docker-compose.yaml")) {
		stack = append(stack, "Docker Compose")
	}
	if exists(filepath.Join(root, "tsconfig.json")) {
		stack = append(stack, "TypeScript")
	}

	seen := map[string]bool{}
	deduped := stack[:0]
	for _, s := range stack {
		if !seen[s] {
			seen[s] = true
			deduped = append(deduped, s)
		}
	}
	return deduped
}

// ── File purposes ────────────────────────────────────────────────────

var configPurposes = map[string]string{
	"package.json":       "Node.js package configuration",
	"tsconfig.json":      "TypeScript configuration",
	"tailwind.config.ts": "Tailwind CSS configuration",
	"tailwind.config.js": "Tailwind CSS configuration",
	"postcss.config.js":  "PostCSS configuration",
	"next.config.js":     "Next.js configuration",
	"vite.config.ts":     "Vite configuration",
	"requirements.txt":   "Python dependencies",
	"pyproject.toml":     "Python project configuration",
	"go.mod":             "Go module definition",
	"Dockerfile":         "Docker image definition",
	"docker-compose.yml": "Docker Compose services",
	".gitignore":         "Git ignore rules",
}

var pyDocstringRe = regexp.MustCompile(`(?s)^(?:#!.*\n)?(?:#.*\n)*\s*(?:"""(.*?)"""|'''(.*?)''')`)
var jsBlockCommentRe = regexp.MustCompile(`^\s*/\*\*?\s*(.*?)(?:\*/|\n)`)
var goLineCommentRe = regexp.MustCompile(`^\s*//\s*(.+)`)

// Checked in order: "index" must win over "test" for index_test helpers.
var nameHints = []marker{
	{"index", "Entry point / main module"},
	{"main", "Main application entry point"},
	{"app", "Application setup"},
	{"server", "Server configuration"},
	{"config", "Configuration"},
	{"utils", "Utility functions"},
	{"helpers", "Helper functions"},
	{"types", "Type definitions"},
	{"models", "Data models"},
	{"routes", "Route definitions"},
	{"api", "API endpoints"},
	{"auth", "Authentication"},
	{"database", "Database connection"},
	{"db", "Database connection"},
	{"middleware", "Middleware"},
	{"test", "Tests"},
	{"spec", "Tests"},
	{"layout", "Page layout"},
	{"page", "Page component"},
	{"component", "UI component"},
	{"style", "Styles"},
	{"global", "Global styles/config"},
}

// InferPurpose produces the one-line description stored in the file
// index: known config names, then a leading doc comment, then name
// heuristics, then a generic extension label.
func InferPurpose(relPath, content string) string {
	base := path.Base(relPath)
	if p, ok := configPurposes[base]; ok {
		return p
	}

	ext := strings.ToLower(path.Ext(relPath))
	switch ext {
	case ".py":
		if m := pyDocstringRe.FindStringSubmatch(content); m != nil {
			doc := m[1]
			if doc == "" {
				doc = m[2]
			}
			if first := firstLine(doc); first != "" {
				return clip(first, 100)
			}
		}
	case ".js", ".jsx", ".ts", ".tsx":
		if m := jsBlockCommentRe.FindStringSubmatch(content); m != nil {
			if first := strings.TrimSpace(m[1]); first != "" {
				return clip(first, 100)
			}
		}
	case ".go":
		if m := goLineCommentRe.FindStringSubmatch(content); m != nil {
			if first := strings.TrimSpace(m[1]); first != "" {
				return clip(first, 100)
			}
		}
	}

	name := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	for _, h := range nameHints {
		if strings.Contains(name, h.file) {
			return h.label
		}
	}
	if ext == "" {
		return "source file"
	}
	return strings.TrimPrefix(ext, ".") + " source file"
}

// ── Dependency graph ─────────────────────────────────────────────────

var pyFromImportRe = regexp.MustCompile(`^from\s+(\.?\w[\w.]*)\s+import`)
var pyImportRe = regexp.MustCompile(`^import\s+(\w[\w.]*)`)
var jsImportRe = regexp.MustCompile(`(?:import\s+.*?from\s+|require\s*\(\s*)['"](\.[^'"]+)['"]`)

// DependencyGraph resolves in-project imports. Only edges that land on
// a scanned file are recorded; external packages are ignored.
func DependencyGraph(files map[string]string) map[string][]string {
	all := make(map[string]bool, len(files))
	for p := range files {
		all[p] = true
	}

	graph := map[string][]string{}
	for p, content := range files {
		var deps []string
		switch strings.ToLower(path.Ext(p)) {
		case ".py":
			deps = pythonImports(p, content, all)
		case ".js", ".jsx", ".ts", ".tsx":
			deps = jsImports(p, content, all)
		}
		if len(deps) > 0 {
			graph[p] = deps
		}
	}
	return graph
}

func pythonImports(file, content string, all map[string]bool) []string {
	dir := path.Dir(file)
	var deps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		module := ""
		if m := pyFromImportRe.FindStringSubmatch(line); m != nil {
			module = m[1]
		} else if m := pyImportRe.FindStringSubmatch(line); m != nil {
			module = m[1]
		}
		if module == "" {
			continue
		}

		var candidate string
		if strings.HasPrefix(module, ".") {
			rel := strings.ReplaceAll(strings.TrimLeft(module, "."), ".", "/")
			if dir == "." {
				candidate = rel + ".py"
			} else {
				candidate = dir + "/" + rel + ".py"
			}
		} else {
			candidate = strings.ReplaceAll(module, ".", "/") + ".py"
		}
		if all[candidate] {
			deps = append(deps, candidate)
		}
	}
	return deps
}

func jsImports(file, content string, all map[string]bool) []string {
	dir := path.Dir(file)
	var deps []string
	for _, m := range jsImportRe.FindAllStringSubmatch(content, -1) {
		base := path.Join(dir, m[1])
		for _, ext := range []string{"", ".js", ".jsx", ".ts", ".tsx", "/index.js", "/index.tsx", "/index.ts"} {
			candidate := base + ext
			if all[candidate] {
				deps = append(deps, candidate)
				break
			}
		}
	}
	return deps
}

// ── Helpers ──────────────────────────────────────────────────────────

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func hasGlob(root, pattern string) bool {
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		log.Debug().Err(err).Str("pattern", pattern).Msg("workspace glob failed")
		return false
	}
	return len(matches) > 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ArchitectureSummary renders a one-paragraph description of a scanned
// workspace for prompt context: what it is, its stack, and where the
// files live. Plans overwrite this with the planner's own summary.
func ArchitectureSummary(ws models.WorkspaceScan) string {
	name := filepath.Base(ws.Root)
	projectType := ws.ProjectType
	if projectType == "" {
		projectType = "Unknown"
	}
	head := fmt.Sprintf("%s is a %s project", name, projectType)
	if len(ws.TechStack) > 0 {
		stack := ws.TechStack
		if len(stack) > 5 {
			stack = stack[:5]
		}
		head += " using " + strings.Join(stack, ", ")
	}
	head += "."

	counts := map[string]int{}
	for _, f := range ws.Files {
		dir := path.Dir(f.Path)
		if dir == "." {
			dir = "(root)"
		}
		counts[dir]++
	}
	if len(counts) == 0 {
		return head
	}

	type dirCount struct {
		dir string
		n   int
	}
	dirs := make([]dirCount, 0, len(counts))
	for d, n := range counts {
		dirs = append(dirs, dirCount{d, n})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].n != dirs[j].n {
			return dirs[i].n > dirs[j].n
		}
		return dirs[i].dir < dirs[j].dir
	})
	if len(dirs) > 5 {
		dirs = dirs[:5]
	}
	parts := make([]string, len(dirs))
	for i, dc := range dirs {
		parts[i] = fmt.Sprintf("%s (%d files)", dc.dir, dc.n)
	}
	return head + " Structure: " + strings.Join(parts, ", ") + "."
}
