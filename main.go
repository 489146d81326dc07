// The main package for the newsparser executable.
package main

import "github.com/JakeFAU/news-parser/cmd"

func main() {
	cmd.Execute()
}
