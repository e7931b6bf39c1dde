// The main package for the listings-crawler executable.
package main

import (
	"github.com/JakeFAU/listings-crawler/cmd"
)

func main() {
	cmd.Execute()
}
