package main

import (
	"os"

	"horse.fit/trawl/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
