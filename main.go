// Package main provides the entry point for xrt.
// xrt is the x86-64 host runtime for statically translated PowerPC guest code.
//
// For the full CLI, use: go run ./cmd/xrt
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("xrt - PowerPC to x86-64 translation runtime")
	fmt.Println("")
	fmt.Println("Usage: xrt [options] <image.elf>")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config       Path to backend configuration JSON file")
	fmt.Println("  -layout       Print the thread context layout")
	fmt.Println("  -disasm       Disassemble generated thunks and helpers")
	fmt.Println("  -profile-db   Directory of the profile database")
	fmt.Println("  -list-runs    List saved profile runs")
	fmt.Println("  -v            Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/xrt' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/xrt' instead.")
	}
}
