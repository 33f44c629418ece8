// Command lighthousectl is a thin HTTP client over a running lighthouse-admin
// instance — it holds no coordination logic of its own, only request/response
// plumbing and output formatting.
package main

func main() {
	Execute()
}
