// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/jeranaias/parley/internal/provider"
)

// =============================================================================
// EXEC ENGINE
// =============================================================================

// ExecEngine runs completions by shelling out to a llama.cpp CLI binary
// (llama-cli or compatible). Each Complete call is one process; output
// read from the child's stdout is the blocking chunk source.
type ExecEngine struct {
	binary    string
	extraArgs []string
}

// NewExecEngine creates an engine around the given binary path.
func NewExecEngine(binary string, extraArgs ...string) *ExecEngine {
	return &ExecEngine{binary: binary, extraArgs: extraArgs}
}

// Load implements Engine. The process model has no persistent weights
// to load, so this only validates that the binary and artifact resolve.
func (e *ExecEngine) Load(modelPath string) (Session, error) {
	binary, err := exec.LookPath(e.binary)
	if err != nil {
		return nil, fmt.Errorf("inference binary not found: %w", err)
	}
	return &execSession{
		binary:    binary,
		modelPath: modelPath,
		extraArgs: e.extraArgs,
	}, nil
}

// execSession serves completions for one model artifact.
type execSession struct {
	binary    string
	modelPath string
	extraArgs []string
}

// buildPrompt renders the chat history with ChatML-style markers, the
// template the bundled GGUF chat models expect.
func buildPrompt(history []provider.Message) string {
	var b strings.Builder
	for _, msg := range history {
		b.WriteString("<|im_start|>")
		b.WriteString(msg.Role)
		b.WriteString("\n")
		b.WriteString(msg.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

// Complete implements Session.
func (s *execSession) Complete(history []provider.Message) (ChunkIterator, error) {
	args := []string{
		"-m", s.modelPath,
		"-p", buildPrompt(history),
		"--no-display-prompt",
	}
	args = append(args, s.extraArgs...)

	cmd := exec.Command(s.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start inference process: %w", err)
	}

	return &execIterator{
		cmd:    cmd,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Close implements Session. The process model holds no resources
// between completions.
func (s *execSession) Close() error { return nil }

// execIterator reads generation output from the child process.
type execIterator struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	done   bool
}

// Next blocks on the child's stdout and returns the bytes available as
// one chunk. Process exit yields a final finish-marker chunk, then io.EOF.
func (it *execIterator) Next() (Chunk, error) {
	if it.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, 256)
	n, err := it.reader.Read(buf)
	if n > 0 {
		return Chunk{Content: string(buf[:n])}, nil
	}
	if err == io.EOF {
		it.done = true
		if werr := it.cmd.Wait(); werr != nil {
			return Chunk{}, fmt.Errorf("inference process failed: %w", werr)
		}
		return Chunk{FinishReason: "stop"}, nil
	}
	return Chunk{}, err
}

// Close terminates the child if it is still running.
func (it *execIterator) Close() error {
	if !it.done && it.cmd.Process != nil {
		it.cmd.Process.Kill()
		it.cmd.Wait()
		it.done = true
	}
	return nil
}
