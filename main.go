// The main package for the scraper executable.
package main

import (
	"github.com/JakeFAU/distributed-scraper/cmd"
)

func main() {
	cmd.Execute()
}
