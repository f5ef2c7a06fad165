package main

import (
	"fmt"
	"time"
)

//go:noinline
func foo() int {
	return 1
}

func main() {
	time.Sleep(time.Second)
	fmt.Println(foo())
}
