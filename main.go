package main

import (
	"math/rand"
	"time"

	"github.com/vegsecai/vegsec/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cmd.Execute()
}
