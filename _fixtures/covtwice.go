package main

import "fmt"

//go:noinline
func foo(i int) int {
	return i * 2
}

func main() {
	n := 0
	for i := 0; i < 2; i++ {
		n += foo(i)
	}
	fmt.Println(n)
}
