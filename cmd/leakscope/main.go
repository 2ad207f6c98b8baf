// Command leakscope validates suppression and system-library files and can
// run a small leak demonstration against the sanitizer.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"unsafe"

	"github.com/leakscope/leakscope"
	"github.com/leakscope/leakscope/internal/suppression"
)

func main() {
	var (
		checkSupp bool
		checkLibs bool
		developer bool
		demo      bool
	)

	flag.BoolVar(&checkSupp, "check", false, "validate the given suppression files")
	flag.BoolVar(&checkLibs, "check-libs", false, "validate the given system-library regex files")
	flag.BoolVar(&developer, "developer", false, "show skipped-rule diagnostics while validating")
	flag.BoolVar(&demo, "demo", false, "run a demonstration program that leaks")
	flag.Parse()

	switch {
	case checkSupp:
		os.Exit(runCheck(flag.Args(), developer))
	case checkLibs:
		os.Exit(runCheckLibs(flag.Args()))
	case demo:
		runDemo()
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runCheck(paths []string, developer bool) int {
	if len(paths) == 0 {
		log.Print("no suppression files given")
		return 2
	}
	loader := &suppression.Loader{DeveloperMode: developer, Warn: log.Printf}

	code := 0
	for _, path := range paths {
		rules, err := loader.LoadFile(path)
		if err != nil {
			log.Printf("%s: %v", path, err)
			code = 1
			continue
		}
		fmt.Printf("%s: %d rule(s) ok\n", path, len(rules))
	}
	return code
}

func runCheckLibs(paths []string) int {
	if len(paths) == 0 {
		log.Print("no system-library files given")
		return 2
	}
	if _, err := suppression.LoadSystemLibraries(paths); err != nil {
		log.Print(err)
		return 1
	}
	fmt.Printf("%d file(s) ok\n", len(paths))
	return 0
}

// demoGlobal keeps one demo allocation reachable from global space.
var demoGlobal uintptr

func runDemo() {
	san, err := leakscope.New()
	if err != nil {
		log.Fatalf("leakscope: %v", err)
	}

	// A reachable allocation, anchored in a global slot.
	demoGlobal = san.Malloc(64)
	san.Core().AddExtraRegion(
		uintptr(unsafe.Pointer(&demoGlobal)),
		uintptr(unsafe.Pointer(&demoGlobal))+unsafe.Sizeof(demoGlobal),
		os.Args[0], "leakscope")

	// A lost linked chain.
	head := san.Malloc(24)
	second := san.Malloc(24)
	*(*uintptr)(unsafe.Pointer(head)) = second

	// A freed allocation; it must not appear in the report.
	scratch := san.Malloc(128)
	san.Free(scratch)

	san.Exit(0)
}
