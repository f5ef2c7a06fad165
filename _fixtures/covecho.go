package main

import (
	"fmt"
	"io"
	"os"
)

//go:noinline
func foo(b []byte) int {
	return len(b)
}

func main() {
	in, _ := io.ReadAll(os.Stdin)
	fmt.Fprintf(os.Stdout, "stdout %d\n", foo(in))
	fmt.Fprintf(os.Stderr, "stderr %s\n", os.Args[1:])
}
