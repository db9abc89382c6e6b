// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
)

// HighlightJSON syntax-highlights a JSON document for a 256-color
// terminal. On a highlighter error the text is returned unchanged.
func HighlightJSON(text string) string {
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, text, "json", "terminal256", "monokai"); err != nil {
		return text
	}
	return buffer.String()
}
