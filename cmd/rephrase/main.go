// rephrase - streaming multi-style rewrite client and gateway
package main

import "os"

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
