// Command faceattend serves the face recognition attendance protocol and the
// enrollment API, and carries the maintenance commands that share its
// configuration.
package main

func main() {
	execute()
}
