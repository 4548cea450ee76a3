// Package lang enumerates the languages this engine executes and how
// each one is run: through the pre-warmed interactive interpreter, a
// direct one-shot interpreter invocation, or a compile-then-run pair.
package lang

import "fmt"

// Tag identifies a supported language by its API-visible short code.
type Tag string

// Supported language tags, matching spec §6's enumerated POST /exec values.
const (
	Python     Tag = "py"
	JavaScript Tag = "js"
	TypeScript Tag = "ts"
	Go         Tag = "go"
	Java       Tag = "java"
	C          Tag = "c"
	Cpp        Tag = "cpp"
	PHP        Tag = "php"
	Rust       Tag = "rs"
	R          Tag = "r"
	Fortran    Tag = "f90"
	D          Tag = "d"
)

// Class describes how an execution request for a language is carried out.
type Class int

const (
	// Interactive is served by the pre-warmed Sandbox Pool and the
	// framed Interpreter Server protocol. Exactly one language is
	// Interactive: Python.
	Interactive Class = iota
	// Interpreted is a one-shot invocation of a direct runner against
	// a source file; no separate compile step.
	Interpreted
	// Compiled is a one-shot compile step followed by a one-shot run
	// step, both inside the same fresh sandbox.
	Compiled
)

// Runtime describes the image and invocation shape for one language.
type Runtime struct {
	Tag       Tag
	Class     Class
	Image     string
	SourceExt string
	// CompileCmd builds the compiler invocation given the source path
	// and the desired output binary path. Unused for Interpreted/Interactive.
	CompileCmd func(src, out string) (cmd string, args []string)
	// RunCmd builds the run invocation. For Compiled languages, out is
	// the path produced by CompileCmd; for Interpreted, out equals src.
	RunCmd func(out string) (cmd string, args []string)
}

var runtimes = map[Tag]Runtime{
	Python: {
		Tag: Python, Class: Interactive,
		Image: "sandboxd-python:3.11", SourceExt: ".py",
	},
	JavaScript: {
		Tag: JavaScript, Class: Interpreted,
		Image: "sandboxd-node:20", SourceExt: ".js",
		RunCmd: func(out string) (string, []string) { return "node", []string{out} },
	},
	TypeScript: {
		Tag: TypeScript, Class: Interpreted,
		Image: "sandboxd-node:20", SourceExt: ".ts",
		RunCmd: func(out string) (string, []string) { return "ts-node", []string{out} },
	},
	PHP: {
		Tag: PHP, Class: Interpreted,
		Image: "sandboxd-php:8.3", SourceExt: ".php",
		RunCmd: func(out string) (string, []string) { return "php", []string{out} },
	},
	R: {
		Tag: R, Class: Interpreted,
		Image: "sandboxd-r:4.3", SourceExt: ".R",
		RunCmd: func(out string) (string, []string) { return "Rscript", []string{out} },
	},
	Go: {
		Tag: Go, Class: Compiled,
		Image: "sandboxd-go:1.24", SourceExt: ".go",
		CompileCmd: func(src, out string) (string, []string) { return "go", []string{"build", "-o", out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
	Java: {
		Tag: Java, Class: Compiled,
		Image: "sandboxd-java:21", SourceExt: ".java",
		CompileCmd: func(src, out string) (string, []string) { return "javac", []string{"-d", out, src} },
		RunCmd:     func(out string) (string, []string) { return "java", []string{"-cp", out, "Main"} },
	},
	C: {
		Tag: C, Class: Compiled,
		Image: "sandboxd-c:gcc13", SourceExt: ".c",
		CompileCmd: func(src, out string) (string, []string) { return "gcc", []string{"-O2", "-o", out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
	Cpp: {
		Tag: Cpp, Class: Compiled,
		Image: "sandboxd-cpp:gcc13", SourceExt: ".cpp",
		CompileCmd: func(src, out string) (string, []string) { return "g++", []string{"-O2", "-std=c++20", "-o", out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
	Rust: {
		Tag: Rust, Class: Compiled,
		Image: "sandboxd-rust:1.82", SourceExt: ".rs",
		CompileCmd: func(src, out string) (string, []string) { return "rustc", []string{"-O", "-o", out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
	Fortran: {
		Tag: Fortran, Class: Compiled,
		Image: "sandboxd-fortran:gcc13", SourceExt: ".f90",
		CompileCmd: func(src, out string) (string, []string) { return "gfortran", []string{"-O2", "-o", out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
	D: {
		Tag: D, Class: Compiled,
		Image: "sandboxd-d:dmd", SourceExt: ".d",
		CompileCmd: func(src, out string) (string, []string) { return "dmd", []string{"-of=" + out, src} },
		RunCmd:     func(out string) (string, []string) { return out, nil },
	},
}

// Lookup returns the Runtime for a tag, or an error if the tag is unknown.
func Lookup(t Tag) (Runtime, error) {
	rt, ok := runtimes[t]
	if !ok {
		return Runtime{}, fmt.Errorf("unsupported language tag: %q", t)
	}
	return rt, nil
}

// IsInteractive reports whether t is the pool-backed interactive language.
func IsInteractive(t Tag) bool {
	rt, err := Lookup(t)
	return err == nil && rt.Class == Interactive
}

// All returns every supported tag, stable-ordered for deterministic listings.
func All() []Tag {
	return []Tag{Python, JavaScript, TypeScript, Go, Java, C, Cpp, PHP, Rust, R, Fortran, D}
}
