package main

import (
	"papersorter/cmd/handlers"
)

func main() {
	handlers.Execute()
}
