package main

import "fmt"

//go:noinline
func foo() *int {
	return nil
}

//go:noinline
func bar(p *int) {
	*p = 1
}

func main() {
	p := foo()
	bar(p)
	fmt.Println("unreachable")
}
