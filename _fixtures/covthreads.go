package main

import (
	"fmt"
	"runtime"
)

//go:noinline
func foo() int {
	return 1
}

//go:noinline
func bar() int {
	return 2
}

func main() {
	done := make(chan int)
	go func() {
		runtime.LockOSThread()
		done <- foo()
	}()
	n := <-done
	fmt.Println(n + bar())
}
