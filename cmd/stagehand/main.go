package main

import "github.com/pipeworks/stagehand/internal/cmd"

func main() {
	cmd.Execute()
}
