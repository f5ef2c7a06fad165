package main

import "fmt"

//go:noinline
func foo() int {
	return 1
}

//go:noinline
func bar() int {
	return 2
}

func main() {
	a := foo()
	b := bar()
	fmt.Println(a + b)
}
