package gatekeeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/sl224/casparianflow/pkg/identity"
)

// Default banlists. Plugins talk to the platform only through the
// sandbox bridge, so ambient process, filesystem, network, and dynamic
// code capabilities are all rejected statically.
var (
	DefaultBannedImports = []string{
		"os", "sys", "subprocess", "importlib", "shutil",
		"socket", "requests", "urllib", "http", "ftplib", "smtplib",
		"pickle", "shelve", "marshal", "ctypes", "multiprocessing",
	}

	DefaultBannedBuiltins = []string{
		"eval", "exec", "compile", "__import__", "open",
	}
)

// ValidationResult is the outcome of static validation
type ValidationResult struct {
	Safe       bool
	Violations []string
}

// Message flattens the violations for storage on a REJECTED manifest
func (r ValidationResult) Message() string {
	return strings.Join(r.Violations, "; ")
}

// Gatekeeper decides whether a submitted plugin artifact may be loaded
type Gatekeeper struct {
	provider       identity.Provider
	bannedImports  map[string]bool
	bannedBuiltins map[string]bool
	parsers        sync.Pool
}

// New builds a Gatekeeper with the default banlists
func New(provider identity.Provider) *Gatekeeper {
	g := &Gatekeeper{
		provider:       provider,
		bannedImports:  make(map[string]bool, len(DefaultBannedImports)),
		bannedBuiltins: make(map[string]bool, len(DefaultBannedBuiltins)),
	}
	for _, m := range DefaultBannedImports {
		g.bannedImports[m] = true
	}
	for _, b := range DefaultBannedBuiltins {
		g.bannedBuiltins[b] = true
	}
	// Tree-sitter parsers are not thread safe; pool one per goroutine.
	g.parsers.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(python.GetLanguage())
		return p
	}
	return g
}

// SourceHash is the content-addressable identity of plugin source
func SourceHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// EnvHash identifies an interpreter environment by its lockfile
func EnvHash(lockfile []byte) string {
	sum := sha256.Sum256(lockfile)
	return hex.EncodeToString(sum[:])
}

// ArtifactID keys the (source, environment) pair
func ArtifactID(source, lockfile []byte) string {
	h := sha256.New()
	h.Write(source)
	h.Write(lockfile)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateSource runs static analysis over plugin source. Unsafe input
// yields a populated result, never an error; errors are reserved for
// infrastructure faults.
func (g *Gatekeeper) ValidateSource(ctx context.Context, source []byte) (ValidationResult, error) {
	parser := g.parsers.Get().(*sitter.Parser)
	defer g.parsers.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("parse plugin source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return ValidationResult{Violations: []string{"syntax error: source does not parse"}}, nil
	}

	var violations []string
	hasBasePlugin := false

	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for _, name := range importedModules(n, source) {
				if g.bannedImports[name] {
					violations = append(violations, "banned import: "+name)
				}
			}
		case "import_from_statement":
			if mod := n.ChildByFieldName("module_name"); mod != nil {
				name := moduleRoot(string(source[mod.StartByte():mod.EndByte()]))
				if g.bannedImports[name] {
					violations = append(violations, "banned import: from "+name)
				}
			}
		case "call":
			if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
				name := string(source[fn.StartByte():fn.EndByte()])
				if g.bannedBuiltins[name] {
					violations = append(violations, "banned built-in: "+name+"()")
				}
			}
		case "class_definition":
			if supers := n.ChildByFieldName("superclasses"); supers != nil {
				text := string(source[supers.StartByte():supers.EndByte()])
				if strings.Contains(text, "BasePlugin") {
					hasBasePlugin = true
				}
			}
		}
	})

	if !hasBasePlugin {
		violations = append(violations, "plugin must define a class that inherits from BasePlugin")
	}

	return ValidationResult{Safe: len(violations) == 0, Violations: violations}, nil
}

// Verify runs static validation and signature verification. Both must
// pass for the artifact to be loadable.
func (g *Gatekeeper) Verify(ctx context.Context, source []byte, signature string) (ValidationResult, error) {
	result, err := g.ValidateSource(ctx, source)
	if err != nil {
		return ValidationResult{}, err
	}
	if !g.provider.VerifySignature(source, signature) {
		result.Safe = false
		result.Violations = append(result.Violations, "signature verification failed")
	}
	return result, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

// importedModules extracts top-level module names from an
// import_statement, handling both dotted names and aliased imports
func importedModules(n *sitter.Node, source []byte) []string {
	var names []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			names = append(names, moduleRoot(string(source[child.StartByte():child.EndByte()])))
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				names = append(names, moduleRoot(string(source[name.StartByte():name.EndByte()])))
			}
		}
	}
	return names
}

// moduleRoot reduces "urllib.request" to "urllib"
func moduleRoot(dotted string) string {
	if i := strings.IndexByte(dotted, '.'); i >= 0 {
		return dotted[:i]
	}
	return dotted
}
