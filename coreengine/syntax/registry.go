// Package syntax provides the syntax gate: per-extension checkers that decide
// whether candidate content parses before it is evaluated any further.
package syntax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	cueparser "cuelang.org/go/cue/parser"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// CheckFunc validates content that would be written to filename.
type CheckFunc func(ctx context.Context, filename string, content []byte) error

// Checker is a syntax checker bound to one file extension.
type Checker struct {
	Extension   string
	Description string
	Check       CheckFunc
}

// TextChecker is reported for extensions without a registered checker.
const TextChecker = "text"

// SyntaxError describes why content was rejected.
type SyntaxError struct {
	File    string
	Checker string
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s (%s)", e.File, e.Line, e.Column, e.Message, e.Checker)
	}
	return fmt.Sprintf("%s: %s (%s)", e.File, e.Message, e.Checker)
}

// Registry maps extensions to checkers.
type Registry struct {
	checkers map[string]*Checker
	mu       sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]*Checker),
	}
}

// DefaultRegistry returns a registry with the built-in checkers plus external
// command checkers. External commands replace built-ins for the same extension.
func DefaultRegistry(commands map[string][]string) *Registry {
	r := NewRegistry()
	for _, c := range builtinCheckers() {
		_ = r.Register(c)
	}
	for ext, argv := range commands {
		_ = r.Register(CommandChecker(ext, argv))
	}
	return r
}

// Register registers a checker, replacing any previous one for the extension.
func (r *Registry) Register(c *Checker) error {
	if c.Extension == "" || !strings.HasPrefix(c.Extension, ".") {
		return fmt.Errorf("checker extension must start with '.', got %q", c.Extension)
	}
	if c.Check == nil {
		return fmt.Errorf("checker func is required for '%s'", c.Extension)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkers[strings.ToLower(c.Extension)] = c
	return nil
}

// Has checks if an extension has a dedicated checker.
func (r *Registry) Has(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.checkers[strings.ToLower(ext)]
	return exists
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.checkers))
	for ext := range r.checkers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Check runs the checker for filename's extension and returns the checker name.
// Extensions without a checker get the plain-text check: non-empty valid UTF-8
// without NUL bytes.
func (r *Registry) Check(ctx context.Context, filename string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	r.mu.RLock()
	c, exists := r.checkers[ext]
	r.mu.RUnlock()

	if !exists {
		return TextChecker, checkText(filename, content)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return c.Description, &SyntaxError{File: filename, Checker: c.Description, Message: "content is empty"}
	}
	if err := c.Check(ctx, filename, content); err != nil {
		return c.Description, err
	}
	return c.Description, nil
}

// =============================================================================
// BUILT-IN CHECKERS
// =============================================================================

func builtinCheckers() []*Checker {
	return []*Checker{
		{Extension: ".go", Description: "go/parser", Check: checkGo},
		{Extension: ".json", Description: "encoding/json", Check: checkJSON},
		{Extension: ".yaml", Description: "yaml", Check: checkYAML},
		{Extension: ".yml", Description: "yaml", Check: checkYAML},
		{Extension: ".toml", Description: "toml", Check: checkTOML},
		{Extension: ".cue", Description: "cue", Check: checkCUE},
	}
}

func checkText(filename string, content []byte) error {
	switch {
	case len(bytes.TrimSpace(content)) == 0:
		return &SyntaxError{File: filename, Checker: TextChecker, Message: "content is empty"}
	case !utf8.Valid(content):
		return &SyntaxError{File: filename, Checker: TextChecker, Message: "content is not valid UTF-8"}
	case bytes.IndexByte(content, 0) >= 0:
		return &SyntaxError{File: filename, Checker: TextChecker, Message: "content contains NUL bytes"}
	}
	return nil
}

func checkGo(_ context.Context, filename string, content []byte) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, filename, content, parser.AllErrors)
	if err == nil {
		return nil
	}
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return &SyntaxError{File: filename, Checker: "go/parser", Line: first.Pos.Line, Column: first.Pos.Column, Message: first.Msg}
	}
	return &SyntaxError{File: filename, Checker: "go/parser", Message: err.Error()}
}

func checkJSON(_ context.Context, filename string, content []byte) error {
	var v any
	err := json.Unmarshal(content, &v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		line, col := lineCol(content, int(syn.Offset))
		return &SyntaxError{File: filename, Checker: "encoding/json", Line: line, Column: col, Message: syn.Error()}
	}
	return &SyntaxError{File: filename, Checker: "encoding/json", Message: err.Error()}
}

func checkYAML(_ context.Context, filename string, content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &SyntaxError{File: filename, Checker: "yaml", Message: err.Error()}
		}
	}
}

func checkTOML(_ context.Context, filename string, content []byte) error {
	var v map[string]any
	err := toml.Unmarshal(content, &v)
	if err == nil {
		return nil
	}
	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		row, col := decodeErr.Position()
		return &SyntaxError{File: filename, Checker: "toml", Line: row, Column: col, Message: decodeErr.Error()}
	}
	return &SyntaxError{File: filename, Checker: "toml", Message: err.Error()}
}

func checkCUE(_ context.Context, filename string, content []byte) error {
	if _, err := cueparser.ParseFile(filename, content); err != nil {
		return &SyntaxError{File: filename, Checker: "cue", Message: err.Error()}
	}
	return nil
}

// lineCol converts a byte offset to a 1-based line and column.
func lineCol(content []byte, offset int) (int, int) {
	if offset > len(content) {
		offset = len(content)
	}
	line := 1 + bytes.Count(content[:offset], []byte("\n"))
	col := offset - bytes.LastIndexByte(content[:offset], '\n')
	return line, col
}

// =============================================================================
// EXTERNAL COMMAND CHECKERS
// =============================================================================

// FilePlaceholder is replaced with the path of the file under check.
const FilePlaceholder = "{file}"

// CommandChecker builds a checker that writes content to a temp file with the
// right extension and runs argv against it. A non-zero exit rejects the content.
// If argv has no "{file}" argument the path is appended.
func CommandChecker(ext string, argv []string) *Checker {
	desc := "command"
	if len(argv) > 0 {
		desc = filepath.Base(argv[0])
	}
	return &Checker{
		Extension:   ext,
		Description: desc,
		Check: func(ctx context.Context, filename string, content []byte) error {
			if len(argv) == 0 {
				return fmt.Errorf("no command configured for %s", ext)
			}

			dir, err := os.MkdirTemp("", "autoforge-syntax-")
			if err != nil {
				return fmt.Errorf("create syntax temp dir: %w", err)
			}
			defer func() {
				_ = os.RemoveAll(dir)
			}()

			path := filepath.Join(dir, filepath.Base(filename))
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return fmt.Errorf("write syntax temp file: %w", err)
			}

			args := make([]string, 0, len(argv))
			substituted := false
			for _, a := range argv[1:] {
				if strings.Contains(a, FilePlaceholder) {
					a = strings.ReplaceAll(a, FilePlaceholder, path)
					substituted = true
				}
				args = append(args, a)
			}
			if !substituted {
				args = append(args, path)
			}

			cmd := exec.CommandContext(ctx, argv[0], args...)
			cmd.Dir = dir
			out, err := cmd.CombinedOutput()
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg := strings.TrimSpace(strings.ReplaceAll(string(out), path, filename))
			if msg == "" {
				msg = err.Error()
			}
			return &SyntaxError{File: filename, Checker: desc, Message: msg}
		},
	}
}
