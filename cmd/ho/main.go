// Command ho launches hyperparameter-optimization campaigns and runs the
// agents that execute their tasks.
package main

import "os"

func main() {
	os.Exit(Execute())
}
