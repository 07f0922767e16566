// Command rankgrid runs ranking batches on a bounded pool of browser sessions.
package main

import "github.com/JakeFAU/rankgrid/cmd"

func main() {
	cmd.Execute()
}
