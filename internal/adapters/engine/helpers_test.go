package engine

import (
	"bufio"
	"io"
	"testing"

	"github.com/WuChenDi/bitk/internal/ports"
)

func testSpawnOptions(prompt string) ports.SpawnOptions {
	return ports.SpawnOptions{Prompt: prompt, WorkingDir: "."}
}

func readAllLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
