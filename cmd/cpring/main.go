// Command cpring runs command ring simulations and inspects their recordings.
package main

import "github.com/sarchlab/cpring/cmd"

func main() {
	cmd.Execute()
}
