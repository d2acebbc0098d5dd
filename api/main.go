package main

import (
	"github.com/joho/godotenv"

	"github.com/dosprobe/dosprobe/api/cmd/dosprobe"
)

func main() {
	_ = godotenv.Load()
	dosprobe.Execute()
}
