// Package toolchain describes how each sandbox image compiles and runs a
// submission.
//
// A Toolchain is a pair of argument templates, one for the compile step and
// one for the run step. Interpreted languages use a syntax check as their
// compile step so that every language honours the same compile-then-run
// contract.
//
// Usage:
//
//	catalog, err := toolchain.LoadCatalog("/sandbox/toolchain.yaml")
//	tc, err := catalog.Get("c")
//	argv := tc.CompileArgs(toolchain.Vars{Dir: dir, MemoryMB: 256})
package toolchain
