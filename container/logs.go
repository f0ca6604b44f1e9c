// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package container

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	MaxLogLineLength = 500
	// maxLineBuffer bounds a single output line; results carry a hex
	// encoded quote and can be large
	maxLineBuffer = 4 << 20
)

// gramineNoise are fragments of the banner and warnings the Gramine loader
// prints on every start.
var gramineNoise = []string{
	"Gramine is starting",
	"Parsing TOML manifest file",
	"Gramine detected the following insecure configurations",
	"Gramine will continue application execution",
	"loader.insecure__",
	"sgx.debug = true",
	"sgx.allowed_files = [ ... ]",
	"sys.insecure__",
	"Emulating a raw syscall instruction",
	"(libos_init_thread)",
	"--------------------------------------------------------------------------------",
}

// IsNoise reports whether an output line is loader noise.
func IsNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	for _, frag := range gramineNoise {
		if strings.Contains(trimmed, frag) {
			return true
		}
	}
	return false
}

// Truncate shortens a line to MaxLogLineLength bytes on a rune boundary.
func Truncate(line string) string {
	if len(line) <= MaxLogLineLength {
		return line
	}
	cut := MaxLogLineLength
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "..."
}

// consumeOutput forwards each line of r to the logger and returns the last
// non-empty line. The reader is always drained to EOF.
func consumeOutput(r io.Reader, logger *slog.Logger, stream string) string {
	var last string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) != "" {
			last = line
		}
		if IsNoise(line) {
			continue
		}
		logger.Info(Truncate(line), "stream", stream)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("container output unreadable", "stream", stream, "error", err)
		// keep the writer from blocking
		_, _ = io.Copy(io.Discard, r)
	}
	return last
}
