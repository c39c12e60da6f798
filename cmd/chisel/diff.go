package main

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// printUnifiedDiff renders a line-based unified diff between two versions
// of a file, pure Go, no system diff dependency.
func printUnifiedDiff(path string, before, after []byte) {
	dmp := diffmatchpatch.New()

	chars1, chars2, lineArray := dmp.DiffLinesToChars(string(before), string(after))
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = dmp.DiffCleanupSemantic(diffs)

	fmt.Printf("--- %s\n+++ %s\n", path, path)

	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		lines := strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n")

		switch d.Type {
		case diffmatchpatch.DiffEqual:
			// Show up to three lines of context on each side of a change.
			if len(lines) > 6 {
				for _, line := range lines[:3] {
					fmt.Println(" " + line)
				}
				fmt.Println("...")
				for _, line := range lines[len(lines)-3:] {
					fmt.Println(" " + line)
				}
			} else {
				for _, line := range lines {
					fmt.Println(" " + line)
				}
			}

		case diffmatchpatch.DiffDelete:
			for _, line := range lines {
				fmt.Println("-" + line)
			}

		case diffmatchpatch.DiffInsert:
			for _, line := range lines {
				fmt.Println("+" + line)
			}
		}
	}
}
