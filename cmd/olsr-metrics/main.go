// Command olsr-metrics runs OLSR ad-hoc network experiments and analyzes their captures.
package main

func main() {
	Execute()
}
